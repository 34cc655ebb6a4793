// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qabel/go-index-server/internal/contact"
)

// maxShortIDAttempts bounds the collision retry loop when drawing challenge
// ids. With an 18-character alphabet at length 10 a collision is already a
// curiosity; hitting the bound means the RNG is broken.
const maxShortIDAttempts = 32

// PutPending stores a not-yet-committed update request. The public key is
// denormalized out of the request JSON for status lookups.
func PutPending(tx *gorm.DB, requestJSON, publicKey string) (*PendingUpdateRequest, error) {
	pending := PendingUpdateRequest{RequestJSON: requestJSON, PublicKey: publicKey}
	if err := tx.Create(&pending).Error; err != nil {
		return nil, err
	}
	return &pending, nil
}

// AllocateChallenge draws a fresh unique short id and attaches a pending
// verification to the parent request. Ids colliding with either pending or
// done verifications are redrawn.
func AllocateChallenge(tx *gorm.DB, parent *PendingUpdateRequest) (*PendingVerification, error) {
	for attempt := 0; attempt < maxShortIDAttempts; attempt++ {
		id := contact.ShortID(contact.ShortIDLength)
		var count int64
		if err := tx.Model(&PendingVerification{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			if err := tx.Model(&DoneVerification{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return nil, err
			}
		}
		if count > 0 {
			continue
		}
		verification := PendingVerification{ID: id, RequestID: parent.ID}
		if err := tx.Create(&verification).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			return nil, err
		}
		return &verification, nil
	}
	return nil, fmt.Errorf("could not allocate a unique verification id after %d attempts", maxShortIDAttempts)
}

// GetPendingVerification returns the pending verification with its parent
// request, or nil if the id is unknown.
func GetPendingVerification(tx *gorm.DB, id string) (*PendingVerification, error) {
	var verification PendingVerification
	err := tx.Preload("Request").Where("id = ?", id).First(&verification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &verification, nil
}

// GetDoneVerification returns the recorded outcome for the id, or nil.
func GetDoneVerification(tx *gorm.DB, id string) (*DoneVerification, error) {
	var done DoneVerification
	err := tx.Where("id = ?", id).First(&done).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &done, nil
}

// Resolve deletes the pending verification and records the outcome under the
// same id. Resolving an already-done id overwrites the recorded state unless
// the new outcome is "expired": a user action always beats lazy expiry.
func Resolve(tx *gorm.DB, id, state string) error {
	if err := tx.Where("id = ?", id).Delete(&PendingVerification{}).Error; err != nil {
		return err
	}
	done, err := GetDoneVerification(tx, id)
	if err != nil {
		return err
	}
	if done == nil {
		return tx.Create(&DoneVerification{ID: id, State: state}).Error
	}
	if state == StateExpired {
		return nil
	}
	done.State = state
	return tx.Save(done).Error
}

// IsExpired reports whether the pending request has exceeded the maximum age.
func IsExpired(pending *PendingUpdateRequest, maxAge time.Duration, now time.Time) bool {
	return now.Sub(pending.CreatedAt) >= maxAge
}

// SiblingsRemaining counts the verifications still outstanding for the parent.
func SiblingsRemaining(tx *gorm.DB, parent *PendingUpdateRequest) (int64, error) {
	var count int64
	err := tx.Model(&PendingVerification{}).Where("request_id = ?", parent.ID).Count(&count).Error
	return count, err
}

// PendingVerificationsFor returns the parent's outstanding verifications.
func PendingVerificationsFor(tx *gorm.DB, parent *PendingUpdateRequest) ([]PendingVerification, error) {
	var verifications []PendingVerification
	err := tx.Where("request_id = ?", parent.ID).Order("id").Find(&verifications).Error
	return verifications, err
}

// Purge deletes the parent request and all its verifications.
func Purge(tx *gorm.DB, parent *PendingUpdateRequest) error {
	if err := tx.Where("request_id = ?", parent.ID).Delete(&PendingVerification{}).Error; err != nil {
		return err
	}
	return tx.Delete(parent).Error
}

// PendingRequestsFor returns the pending requests carrying the public key,
// newest first.
func PendingRequestsFor(tx *gorm.DB, publicKey string) ([]PendingUpdateRequest, error) {
	var requests []PendingUpdateRequest
	err := tx.Where("public_key = ?", publicKey).Order("created_at DESC, id DESC").Find(&requests).Error
	return requests, err
}
