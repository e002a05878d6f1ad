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
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bizflycloud/krista-backup/pkg/config"
	"github.com/bizflycloud/krista-backup/pkg/logging"
)

var (
	cfgFile string
	dry     bool
	verbose bool
	debug   bool
	logger  *zap.Logger
	cfg     *config.Config
	cfgErr  error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "krista-backup",
	Short:        "Backup orchestrator.",
	Long:         `krista-backup runs configured backup schedules: archives, dumps, copies and retention cleanups.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Println(err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error(err.Error())
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.krista-backup/config.yaml or /etc/krista-backup/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&dry, "dry", false, "log what would be done without changing anything")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "same as --verbose")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		// Use config file from the flag.
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".krista-backup"))
		}
		v.AddConfigPath("/etc/krista-backup")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		cfgErr = fmt.Errorf("%w: %v", config.ErrNoConfig, err)
	} else {
		cfg, cfgErr = config.Load(v)
	}

	var err error
	if logger, err = newLogger(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg != nil {
		logger.Debug("Using config file: " + v.ConfigFileUsed())
	}
}

// newLogger builds the logger from the logging section and the verbose flag.
func newLogger(opts ...logging.Option) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	var file string
	if cfg != nil {
		if l, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			level = l
		}
		file = cfg.Logging.File
	}
	if verbose || debug {
		level = zapcore.DebugLevel
	}
	return logging.New(append([]logging.Option{logging.WithLevel(level), logging.WithFile(file)}, opts...)...)
}

func loadedConfig() (*config.Config, error) {
	if cfg == nil {
		return nil, cfgErr
	}
	return cfg, nil
}
