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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bizflycloud/krista-backup/pkg/config"
	"github.com/bizflycloud/krista-backup/pkg/crontab"
)

const allUnits = "all"

// enableCmd represents the enable command
var enableCmd = &cobra.Command{
	Use:     "enable <schedule|all>",
	Aliases: []string{"en"},
	Short:   "Install the crontab entry of a schedule.",
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

		set := cronSettings(c)
		jobs := make([]crontab.Job, 0, len(names))
		for _, name := range names {
			s, _ := c.ScheduleEntry(name)
			job, err := crontab.NewJob(name, s, set)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		if dry {
			for _, j := range jobs {
				logger.Info("would enable", zap.String("line", j.Line()))
			}
			return nil
		}
		return cronManager(c).Enable(context.Background(), jobs...)
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
}

// scheduleNames expands "all" and checks that unit is a schedule.
func scheduleNames(c *config.Config, unit string) ([]string, error) {
	unit = strings.ToLower(strings.TrimSpace(unit))
	if unit == allUnits {
		names := c.ScheduleNames()
		if len(names) == 0 {
			return nil, fmt.Errorf("no schedules configured")
		}
		return names, nil
	}
	if _, ok := c.ScheduleEntry(unit); !ok {
		return nil, fmt.Errorf("unknown schedule %s", unit)
	}
	return []string{unit}, nil
}

func cronSettings(c *config.Config) crontab.Settings {
	exe := c.Cron.Executable
	if exe == "" {
		if p, err := os.Executable(); err == nil {
			exe = p
		}
	}
	return crontab.Settings{
		Interpreter: c.Cron.Interpreter,
		Executable:  exe,
		TriggerFile: c.Cron.TriggerFile,
	}
}

func cronManager(c *config.Config) *crontab.Manager {
	return crontab.NewManager(&crontab.SystemStore{User: c.Cron.CronUser}, logger)
}
