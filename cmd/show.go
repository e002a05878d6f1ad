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
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/bizflycloud/krista-backup/pkg/builder"
	"github.com/bizflycloud/krista-backup/pkg/config"
)

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show [action]",
	Short: "Print the resolved configuration of an action.",
	Long: `Print the configuration of an action after its source chain is merged.
Without argument, list the schedules and actions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig()
		if err != nil {
			return err
		}
		var out interface{}
		if len(args) == 0 {
			out = summary(c)
		} else {
			b, err := builder.New(c.Actions, builder.WithLogger(logger))
			if err != nil {
				return err
			}
			rec, err := b.Resolve(args[0])
			if err != nil {
				return err
			}
			out = map[string]interface{}(rec)
		}
		data, err := yaml.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func summary(c *config.Config) map[string]interface{} {
	schedules := make(map[string]interface{}, len(c.Schedule))
	for _, name := range c.ScheduleNames() {
		s, _ := c.ScheduleEntry(name)
		schedules[name] = map[string]interface{}{
			"cron":    s.Cron,
			"actions": s.Actions,
			"descr":   s.Descr,
		}
	}
	actions := make([]string, 0, len(c.Actions))
	for name := range c.Actions {
		actions = append(actions, name)
	}
	sort.Strings(actions)
	return map[string]interface{}{"schedule": schedules, "actions": actions}
}

func init() {
	rootCmd.AddCommand(showCmd)
}
