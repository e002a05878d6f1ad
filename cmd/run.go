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

	"github.com/bizflycloud/krista-backup/pkg/broker/mqtt"
	"github.com/bizflycloud/krista-backup/pkg/logging"
	"github.com/bizflycloud/krista-backup/pkg/notify"
	"github.com/bizflycloud/krista-backup/pkg/runner"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <unit>",
	Short: "Run a schedule or a single action.",
	Long: `Run the actions of a schedule one after another, or a single action.
With --dry only actions are looked up and nothing is changed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadedConfig()
		if err != nil {
			return err
		}

		runLogger := logger
		var notifiers notify.Multi
		if c.Cron.TriggerFile != "" {
			trig, err := notify.NewTrigger(c.Cron.TriggerFile)
			if err != nil {
				logger.Warn("trigger file disabled", zap.Error(err))
			} else {
				if runLogger, err = newLogger(logging.WithHook(trig.Hook)); err != nil {
					return err
				}
				notifiers = append(notifiers, trig)
			}
		}
		if c.Notify.BrokerURL != "" {
			b, err := mqtt.NewBroker(
				mqtt.WithURL(c.Notify.BrokerURL),
				mqtt.WithClientID(c.Notify.ClientID),
				mqtt.WithLogger(runLogger.Named("mqtt")),
			)
			if err != nil {
				runLogger.Warn("mqtt notifications disabled", zap.Error(err))
			} else {
				notifiers = append(notifiers, notify.NewPublisher(b, c.Notify.Topic, runLogger))
			}
		}

		r, err := runner.New(c, runner.WithLogger(runLogger), runner.WithNotifier(notifiers))
		if err != nil {
			return err
		}
		if err := r.Load(args[0], dry); err != nil {
			return err
		}
		runLogger.Info("run started", zap.String("unit", r.Unit()), zap.Int("steps", len(r.Steps())), zap.Bool("dry", dry))
		out, err := r.Execute(context.Background())
		if err != nil {
			return err
		}
		runLogger.Info("run finished", zap.String("unit", r.Unit()), zap.Stringer("status", out.Status),
			zap.Duration("elapsed", out.Finished.Sub(out.Started)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
