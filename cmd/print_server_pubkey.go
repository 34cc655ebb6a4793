// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qabel/go-index-server/internal/noisebox"
)

// printServerPubkeyCmd derives and prints the public key for the configured
// server private key, for publishing to clients out of band.
var printServerPubkeyCmd = &cobra.Command{
	Use:   "print-server-pubkey",
	Short: "Print the server's long-term public key",
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		configFilePath, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		if configFilePath != "" {
			viper.SetConfigFile(configFilePath)
			if err := viper.ReadInConfig(); err != nil {
				return err
			}
		}
		if err := rootCmdLoadConfig(); err != nil {
			return err
		}
		if err := viper.Unmarshal(&serverConfig); err != nil {
			return err
		}
		// Only the key material matters here; the full server configuration
		// need not be present.
		return serverConfig.Index.validate()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := noisebox.KeyPairFromConfig(serverConfig.Index.ServerPrivateKey)
		if err != nil {
			return err
		}
		publicKey, err := noisebox.EncodeKey(keys.Public[:])
		if err != nil {
			return err
		}
		fmt.Println(publicKey)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(printServerPubkeyCmd)

	printServerPubkeyCmd.Flags().String("config", "", "Pathname of the configuration file")
}
