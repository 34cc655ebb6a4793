// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

// Package engine owns the update state machine: request admission, challenge
// fan-out, asynchronous verification outcomes, and the atomic commit of fully
// confirmed requests.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/qabel/go-index-server/internal/db"
	"github.com/qabel/go-index-server/internal/verification"
)

// ErrNotFound is returned when a verification id or identity is unknown.
var ErrNotFound = errors.New("not found")

// Result of submitting an update request.
type Result string

const (
	// ResultCommitted: all effects are in the directory.
	ResultCommitted Result = "committed"
	// ResultAccepted: the request is pending user verification.
	ResultAccepted Result = "accepted"
)

// Outcome of a verification callback.
type Outcome string

const (
	OutcomeConfirmed Outcome = db.StateConfirmed
	OutcomeDenied    Outcome = db.StateDenied
	OutcomeExpired   Outcome = db.StateExpired
)

// DefaultReplayWindow bounds the clock skew accepted on encrypted control
// messages.
const DefaultReplayWindow = 5 * time.Minute

// Engine wires the store, ledger and dispatcher into the update state
// machine.
type Engine struct {
	State               *db.State
	Dispatcher          *verification.Dispatcher
	MaxAge              time.Duration
	ShallowVerification bool
	ReplayWindow        time.Duration

	// Now is the engine clock; tests override it.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) replayWindow() time.Duration {
	if e.ReplayWindow > 0 {
		return e.ReplayWindow
	}
	return DefaultReplayWindow
}

// Submit admits a validated update request. If nothing needs verification
// (all items are authenticated deletes, or shallow verification is on) the
// request commits immediately. Otherwise it is persisted with one challenge
// per item needing confirmation, the challenges are dispatched, and the
// caller gets ResultAccepted.
func (e *Engine) Submit(request *UpdateRequest, build verification.URLBuilder) (Result, error) {
	var needed []UpdateItem
	if !e.ShallowVerification {
		for _, item := range request.Items {
			if item.VerificationRequired(request.PublicKeyVerified) {
				needed = append(needed, item)
			}
		}
	}

	if len(needed) == 0 {
		err := e.State.Transaction(func(tx *gorm.DB) error {
			return e.execute(tx, request)
		})
		if err != nil {
			return "", err
		}
		return ResultCommitted, nil
	}

	var challenges []verification.Challenge
	err := e.State.Transaction(func(tx *gorm.DB) error {
		serialized, err := request.Serialize()
		if err != nil {
			return err
		}
		// The pending request's age is measured against the engine clock, so
		// its creation time comes from the same clock.
		pending, err := db.PutPending(tx.Session(&gorm.Session{NowFunc: e.now}),
			serialized, request.Identity.PublicKey)
		if err != nil {
			return err
		}
		for _, item := range needed {
			allocated, err := db.AllocateChallenge(tx, pending)
			if err != nil {
				return err
			}
			challenges = append(challenges, verification.Challenge{
				ShortID:   allocated.ID,
				Alias:     request.Identity.Alias,
				PublicKey: request.Identity.PublicKey,
				DropURL:   request.Identity.DropURL,
				Action:    item.Action,
				Field:     item.Field,
				Value:     item.Value,
			})
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// Delivery happens after the ledger rows are safe. A transport failure
	// leaves an unconfirmable challenge behind; the request expires on its
	// own, and the user can simply resubmit.
	dispatcher := *e.Dispatcher
	dispatcher.BuildURL = build
	for _, challenge := range challenges {
		if err := dispatcher.Dispatch(challenge); err != nil {
			slog.Error("Challenge dispatch failed",
				"field", challenge.Field, "id", challenge.ShortID, "err", err)
		}
	}
	return ResultAccepted, nil
}

// execute applies the request inside the given transaction: identity
// find-or-create (alias and drop URL follow the request), items in order,
// then garbage collection if anything was deleted.
func (e *Engine) execute(tx *gorm.DB, request *UpdateRequest) error {
	identity, err := db.FindOrCreateIdentity(tx,
		request.Identity.PublicKey, request.Identity.Alias, request.Identity.DropURL)
	if err != nil {
		return err
	}
	hadDelete := false
	for _, item := range request.Items {
		switch item.Action {
		case ActionCreate:
			if err := db.UpsertEntry(tx, identity, item.Field, item.Value); err != nil {
				return err
			}
		case ActionDelete:
			hadDelete = true
			if err := db.DeleteEntry(tx, identity, item.Field); err != nil {
				return err
			}
		default:
			return fmt.Errorf("invalid update item action %q", item.Action)
		}
	}
	if hadDelete {
		return db.DeleteIfGarbage(tx, identity)
	}
	return nil
}

// expire marks every outstanding verification of the parent as expired and
// purges it. Recording the outcomes keeps later callbacks idempotent.
func (e *Engine) expire(tx *gorm.DB, parent *db.PendingUpdateRequest) error {
	verifications, err := db.PendingVerificationsFor(tx, parent)
	if err != nil {
		return err
	}
	for _, v := range verifications {
		if err := db.Resolve(tx, v.ID, db.StateExpired); err != nil {
			return err
		}
	}
	return db.Purge(tx, parent)
}

// HandleCallback resolves a confirm or deny action on a challenge id.
//
// Confirming the last outstanding challenge replays the stored request and
// commits it; denying kills the whole pending request. Expired requests are
// cleaned up lazily here. Callbacks on already-resolved ids return the
// recorded outcome without changing state.
func (e *Engine) HandleCallback(id string, confirm bool) (Outcome, error) {
	var outcome Outcome
	err := e.State.Transaction(func(tx *gorm.DB) error {
		pending, err := db.GetPendingVerification(tx, id)
		if err != nil {
			return err
		}
		if pending == nil {
			done, err := db.GetDoneVerification(tx, id)
			if err != nil {
				return err
			}
			if done == nil {
				return ErrNotFound
			}
			outcome = Outcome(done.State)
			return nil
		}

		parent := &pending.Request
		if db.IsExpired(parent, e.MaxAge, e.now()) {
			if err := e.expire(tx, parent); err != nil {
				return err
			}
			outcome = OutcomeExpired
			return nil
		}

		if !confirm {
			if err := db.Resolve(tx, id, db.StateDenied); err != nil {
				return err
			}
			if err := db.Purge(tx, parent); err != nil {
				return err
			}
			outcome = OutcomeDenied
			return nil
		}

		if err := db.Resolve(tx, id, db.StateConfirmed); err != nil {
			return err
		}
		remaining, err := db.SiblingsRemaining(tx, parent)
		if err != nil {
			return err
		}
		if remaining == 0 {
			request, err := ParseStoredRequest(parent.RequestJSON)
			if err != nil {
				return err
			}
			if err := e.execute(tx, request); err != nil {
				return err
			}
			if err := db.Purge(tx, parent); err != nil {
				return err
			}
		}
		outcome = OutcomeConfirmed
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// Review describes a pending request for the review page.
type Review struct {
	Outcome  Outcome // set when the id is already resolved or just expired
	Identity IdentityRef
	Items    []UpdateItem
}

// ReviewRequest loads the data behind a challenge id for the review page,
// expiring the parent lazily like HandleCallback does.
func (e *Engine) ReviewRequest(id string) (*Review, error) {
	var review Review
	err := e.State.Transaction(func(tx *gorm.DB) error {
		pending, err := db.GetPendingVerification(tx, id)
		if err != nil {
			return err
		}
		if pending == nil {
			done, err := db.GetDoneVerification(tx, id)
			if err != nil {
				return err
			}
			if done == nil {
				return ErrNotFound
			}
			review.Outcome = Outcome(done.State)
			return nil
		}
		parent := &pending.Request
		if db.IsExpired(parent, e.MaxAge, e.now()) {
			if err := e.expire(tx, parent); err != nil {
				return err
			}
			review.Outcome = OutcomeExpired
			return nil
		}
		request, err := ParseStoredRequest(parent.RequestJSON)
		if err != nil {
			return err
		}
		review.Identity = request.Identity
		review.Items = request.Items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &review, nil
}

// Entry states reported by the status API.
const (
	EntryConfirmed       = "confirmed"
	EntryUnconfirmed     = "unconfirmed"
	EntryDeletionPending = "deletion-pending"
)

// StatusEntry is one committed or pending entry in a status report.
type StatusEntry struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Status string `json:"status"`
}

// IdentityStatus is the introspection result for one identity key.
type IdentityStatus struct {
	Identity IdentityRef   `json:"identity"`
	Entries  []StatusEntry `json:"entries"`
}

// Status reports the identity and entries for the given key: committed
// entries as confirmed, pending creates as unconfirmed, pending deletes as
// deletion-pending. If the identity is not committed yet, the newest pending
// request supplies the triplet.
func (e *Engine) Status(publicKey string) (*IdentityStatus, error) {
	var status IdentityStatus
	err := e.State.Transaction(func(tx *gorm.DB) error {
		identity, err := db.FindIdentity(tx, publicKey)
		if err != nil {
			return err
		}
		pendings, err := db.PendingRequestsFor(tx, publicKey)
		if err != nil {
			return err
		}
		if identity == nil && len(pendings) == 0 {
			return ErrNotFound
		}

		if identity != nil {
			status.Identity = IdentityRef{
				PublicKey: identity.PublicKey,
				Alias:     identity.Alias,
				DropURL:   identity.DropURL,
			}
			var entries []db.Entry
			if err := tx.Where("identity_id = ?", identity.ID).
				Order("field, value").Find(&entries).Error; err != nil {
				return err
			}
			for _, entry := range entries {
				status.Entries = append(status.Entries, StatusEntry{
					Field:  entry.Field,
					Value:  entry.Value,
					Status: EntryConfirmed,
				})
			}
		}

		for i, pending := range pendings {
			request, err := ParseStoredRequest(pending.RequestJSON)
			if err != nil {
				return err
			}
			if identity == nil && i == 0 {
				status.Identity = request.Identity
			}
			for _, item := range request.Items {
				entryStatus := EntryUnconfirmed
				if item.Action == ActionDelete {
					entryStatus = EntryDeletionPending
				}
				status.Entries = append(status.Entries, StatusEntry{
					Field:  item.Field,
					Value:  item.Value,
					Status: entryStatus,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// DeleteIdentity drops the identity for the key with all its entries inside
// one transaction.
func (e *Engine) DeleteIdentity(publicKey string) error {
	return e.State.Transaction(func(tx *gorm.DB) error {
		found, err := db.DeleteIdentity(tx, publicKey)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return nil
	})
}

// CheckTimestamp enforces the replay window on encrypted control messages.
// The timestamp is Unix seconds.
func (e *Engine) CheckTimestamp(timestamp int64) error {
	sent := time.Unix(timestamp, 0)
	skew := e.now().Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > e.replayWindow() {
		return &RequestError{Reason: "timestamp outside acceptance window"}
	}
	return nil
}
