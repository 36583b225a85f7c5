/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"os"

	"github.com/pbrilius/nuclide/internal/dbgpmuxd/commands"
	"github.com/pbrilius/nuclide/pkg/logger"
)

func main() {
	log := logger.New("dbgpmuxd")
	defer log.Flush()

	rootCmd := commands.NewRootCmd(log)
	if err := rootCmd.Execute(); err != nil {
		log.Error(err, "dbgpmuxd failed")
		os.Exit(1)
	}
}
