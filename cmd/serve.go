// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qabel/go-index-server/api"
	"github.com/qabel/go-index-server/api/handlers"
	"github.com/qabel/go-index-server/internal/authz"
	"github.com/qabel/go-index-server/internal/engine"
	"github.com/qabel/go-index-server/internal/noisebox"
	"github.com/qabel/go-index-server/internal/verification"
)

var serverConfig IndexServerConfig

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the index API and verification pages",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return serveCmdLoadConfig(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveIndex(&serverConfig)
	},
}

// IndexServer represents the HTTP server
type IndexServer struct {
	addr     string
	handler  http.Handler
	useTLS   bool
	certPath string
	keyPath  string
}

// NewIndexServer creates a new IndexServer
func NewIndexServer(addr string, handler http.Handler, useTLS bool, certPath, keyPath string) *IndexServer {
	return &IndexServer{addr: addr, handler: handler, useTLS: useTLS, certPath: certPath, keyPath: keyPath}
}

// Start starts the HTTP server
func (s *IndexServer) Start() error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 3 * time.Second,
	}

	// Channel to listen for interrupt or terminate signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Goroutine to listen for signals and gracefully shut down the server
	go func() {
		<-stop
		slog.Debug("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Debug("Server forced to shutdown:", "err", err)
		}
	}()

	// Listen and serve
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer func() { _ = lis.Close() }()
	slog.Info("Listening", "local", lis.Addr().String())

	if s.useTLS {
		preferredCipherSuites := []uint16{
			tls.TLS_AES_256_GCM_SHA384,                  // TLS v1.3
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,   // TLS v1.2
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, // TLS v1.2
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, // TLS v1.2
		}
		srv.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			CipherSuites: preferredCipherSuites,
		}
		return srv.ServeTLS(lis, s.certPath, s.keyPath)
	}
	return srv.Serve(lis)
}

func serveIndex(cfg *IndexServerConfig) error {
	state, err := cfg.DB.getState()
	if err != nil {
		return err
	}

	keys, err := noisebox.KeyPairFromConfig(cfg.Index.ServerPrivateKey)
	if err != nil {
		return err
	}

	outbox := &verification.Outbox{}
	dispatcher := &verification.Dispatcher{
		Mailer:    cfg.Mail.Mailer(outbox),
		SMSSender: cfg.SMS.Sender(outbox),
	}

	updateEngine := &engine.Engine{
		State:               state,
		Dispatcher:          dispatcher,
		MaxAge:              cfg.Index.MaxAge(),
		ShallowVerification: cfg.Index.ShallowVerification,
	}

	handler := &handlers.Handler{
		Engine: updateEngine,
		Keys:   keys,
		Policy: engine.PhonePolicy{
			AllowedCountries:     cfg.SMS.AllowedCountries,
			BlacklistedCountries: cfg.SMS.BlacklistedCountries,
		},
		DefaultRegion: cfg.SMS.DefaultRegion,
		ExternalURL:   cfg.Index.ExternalURL,
	}

	var authorizer *authz.Authorizer
	if cfg.Accounting.RequireAuthorization {
		authorizer = authz.NewAuthorizer(true, cfg.Accounting.URL, cfg.Accounting.APISecret, nil)
	}

	httpHandler := api.NewHTTPHandler(handler, authorizer).RegisterRoutes()
	server := NewIndexServer(cfg.HTTP.ListenAddress(), httpHandler,
		cfg.HTTP.UseTLS(), cfg.HTTP.CertPath, cfg.HTTP.KeyPath)

	slog.Debug("Starting server on:", "addr", cfg.HTTP.ListenAddress())
	return server.Start()
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "Pathname of the configuration file")
}

// Load configuration from viper
func serveCmdLoadConfig(cmd *cobra.Command, _ []string) error {
	err := viper.BindPFlags(cmd.Flags())
	if err != nil {
		return err
	}

	// Get the config flag directly from the command
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	if configFilePath != "" {
		slog.Debug("Loading index server configuration file", "path", configFilePath)
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("configuration file read failed: %w", err)
		}
	}

	if err := rootCmdLoadConfig(); err != nil {
		return err
	}

	if err := viper.Unmarshal(&serverConfig); err != nil {
		return fmt.Errorf("unable to decode configuration: %w", err)
	}
	if serverConfig.Log.Level == "debug" {
		logLevel.Set(slog.LevelDebug)
	}
	return serverConfig.validate()
}
