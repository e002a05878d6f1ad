// This file is part of krista-backup
//
// Copyright (C) 2021  BizFly Cloud
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>

package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/procutil"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop <unit>",
	Short: "Interrupt a running schedule or action.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := procutil.NewTable("")
		if err != nil {
			return err
		}
		procs, err := table.Find(procutil.RunPattern(procutil.Executable(), args[0]))
		if err != nil {
			return err
		}
		if len(procs) == 0 {
			return fmt.Errorf("no running instance of %s", args[0])
		}

		var errs error
		for _, p := range procs {
			logger.Info("stopping", zap.Int("pid", p.PID), zap.String("cmdline", p.Cmdline))
			if dry {
				continue
			}
			proc, err := os.FindProcess(p.PID)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if err := proc.Signal(syscall.SIGINT); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("pid %d: %w", p.PID, err))
			}
		}
		return errs
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
