// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package db

import (
	"time"
)

// Entry fields a client can search for.
const (
	FieldEmail = "email"
	FieldPhone = "phone"
)

// KnownFields is the set of searchable entry fields.
var KnownFields = map[string]bool{
	FieldEmail: true,
	FieldPhone: true,
}

// Identity is the public triplet of public key, alias and drop URL.
//
// This is the only kind of data the index server is allowed to return to
// clients.
type Identity struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"-"`

	PublicKey string `gorm:"size:64;uniqueIndex" json:"public_key"`
	Alias     string `gorm:"size:255" json:"alias"`
	DropURL   string `gorm:"size:2000" json:"drop_url"`

	Entries []Entry `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Entry connects a piece of private data (email, phone) to an identity.
// Clients query the index with private data to find associated identities.
type Entry struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time

	Field      string `gorm:"size:30;index;uniqueIndex:uix_entries_identity_field"`
	Value      string `gorm:"size:200;index"`
	IdentityID uint   `gorm:"uniqueIndex:uix_entries_identity_field"`
	Identity   Identity
}

// PendingUpdateRequest stores an update request whose verifications have not
// all completed yet. The serialized request is replayed verbatim once the
// last verification confirms. The identity's public key is denormalized so
// status queries work before the identity row exists.
//
// Pending requests expire after the configured maximum age.
type PendingUpdateRequest struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time

	RequestJSON string `gorm:"type:text"`
	PublicKey   string `gorm:"size:64;index"`

	Verifications []PendingVerification `gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE"`
}

// PendingVerification is a confirmation mail or SMS that has not been acted
// upon yet. Its id is the public handle embedded in confirm/deny URLs.
type PendingVerification struct {
	ID        string `gorm:"primaryKey;size:36"`
	RequestID uint   `gorm:"index"`
	Request   PendingUpdateRequest
}

// Verification outcomes.
const (
	StateConfirmed = "confirmed"
	StateDenied    = "denied"
	StateExpired   = "expired"
)

// DoneVerification records the final outcome of a verification after the
// pending row is gone, keeping repeated confirm/deny callbacks idempotent.
// Its id space is shared with PendingVerification; the same id is never in
// both tables at once.
type DoneVerification struct {
	ID        string `gorm:"primaryKey;size:36"`
	CreatedAt time.Time
	State     string `gorm:"size:20"`
}
