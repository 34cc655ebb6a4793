// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var (
	debug    bool
	logLevel slog.LevelVar
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "go-index-server",
	Short: "Privacy-preserving contact directory server",
	Long: `Server mapping opt-in private contact data (mail addresses, phone
	numbers) to public Qabel identities. Lookups succeed only on exact matches
	of values the client already knows; mutations are gated on proof of key
	ownership or out-of-band confirmation at the side channel being registered.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
}

// Initialize common flags from viper's configuration. This is called by the
// subcommands after their flags are bound and the configuration file is
// loaded.
func rootCmdLoadConfig() error {
	debug = viper.GetBool("debug")
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
	return nil
}
