// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

// Package db persists the directory (identities, entries) and the ledger of
// pending update requests with their outstanding verifications.
package db

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// State wraps the database handle shared by the store and ledger operations.
type State struct {
	DB *gorm.DB
}

// InitDb opens the database and migrates the schema. Supported types are
// "sqlite" and "postgres".
func InitDb(dbType, dsn string) (*State, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'postgres')", dbType)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dbType, err)
	}

	if err := gdb.AutoMigrate(
		&Identity{},
		&Entry{},
		&PendingUpdateRequest{},
		&PendingVerification{},
		&DoneVerification{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slog.Debug("Database initialized", "type", dbType)
	return &State{DB: gdb}, nil
}

// Transaction runs fn inside a single database transaction.
func (s *State) Transaction(fn func(tx *gorm.DB) error) error {
	return s.DB.Transaction(fn)
}
