// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/zapbd/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "zapbd",
	Short: "ZapBD - block-device images on object storage",
	Long: `ZapBD stripes block-device images over fixed-size objects held in a
snapshot-aware object pool and preserves full snapshot history when copying
images between pools.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./zapbd.yaml)")
	rootCmd.PersistentFlags().String("log_level", "", "log level (trace, debug, info, warn, error)")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log_level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("zapbd")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("ZAPBD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logger.Debug().Str("config", viper.ConfigFileUsed()).Msg("loaded config file")
	}

	if lvl := viper.GetString("log_level"); lvl != "" {
		parsed, err := zerolog.ParseLevel(lvl)
		if err != nil {
			logger.Warn().Str("log_level", lvl).Msg("invalid log level, keeping default")
		} else {
			logger.SetLevel(parsed)
		}
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
