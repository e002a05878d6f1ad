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
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// disableCmd represents the disable command
var disableCmd = &cobra.Command{
	Use:     "disable <schedule|all>",
	Aliases: []string{"dis"},
	Short:   "Remove the crontab entry of a schedule.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig()
		if err != nil {
			return err
		}
		names, err := scheduleNames(c, args[0])
		if err != nil {
			return err
		}
		if dry {
			logger.Info("would disable", zap.Strings("schedules", names))
			return nil
		}
		return cronManager(c).Disable(context.Background(), names...)
	},
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
