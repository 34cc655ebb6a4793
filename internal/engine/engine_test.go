// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/qabel/go-index-server/internal/db"
	"github.com/qabel/go-index-server/internal/verification"
)

func testEngine(t *testing.T) (*Engine, *verification.Outbox) {
	t.Helper()
	state, err := db.InitDb("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("InitDb: %v", err)
	}
	outbox := &verification.Outbox{}
	return &Engine{
		State:      state,
		Dispatcher: &verification.Dispatcher{Mailer: outbox, SMSSender: outbox},
		MaxAge:     72 * time.Hour,
	}, outbox
}

func buildURL(path string) string { return "http://testserver" + path }

func testRequest(verified bool, items ...UpdateItem) *UpdateRequest {
	return &UpdateRequest{
		Identity: IdentityRef{
			PublicKey: testPublicKey,
			Alias:     "qabel_user",
			DropURL:   "http://127.0.0.1:6000/qabel_user",
		},
		PublicKeyVerified: verified,
		Items:             items,
	}
}

func entryCount(t *testing.T, e *Engine, field, value string) int64 {
	t.Helper()
	var count int64
	if err := e.State.DB.Model(&db.Entry{}).
		Where("field = ? AND value = ?", field, value).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	return count
}

func TestSubmitCreateRequiresVerification(t *testing.T) {
	e, outbox := testEngine(t)

	result, err := e.Submit(testRequest(true,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"}), buildURL)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultAccepted {
		t.Fatalf("result = %s, want accepted (creates verify even with key proof)", result)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 0 {
		t.Error("entry committed before verification")
	}
	if mail := outbox.PopMail(); mail == nil {
		t.Error("no challenge mail dispatched")
	} else if mail.To != "x@example.com" {
		t.Errorf("challenge sent to %q", mail.To)
	}
}

func TestSubmitShallowCommitsImmediately(t *testing.T) {
	e, outbox := testEngine(t)
	e.ShallowVerification = true

	result, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"}), buildURL)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultCommitted {
		t.Fatalf("result = %s, want committed", result)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 1 {
		t.Error("entry missing after shallow commit")
	}
	if outbox.PopMail() != nil {
		t.Error("challenge dispatched in shallow mode")
	}
}

func TestSubmitAuthenticatedDeleteCommitsImmediately(t *testing.T) {
	e, _ := testEngine(t)
	e.ShallowVerification = true
	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"}), buildURL); err != nil {
		t.Fatal(err)
	}
	e.ShallowVerification = false

	result, err := e.Submit(testRequest(true,
		UpdateItem{Action: ActionDelete, Field: db.FieldEmail, Value: "x@example.com"}), buildURL)
	if err != nil {
		t.Fatal(err)
	}
	if result != ResultCommitted {
		t.Fatalf("result = %s, want committed", result)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 0 {
		t.Error("entry survived authenticated delete")
	}
	// Identity lost its only entry and must be garbage collected.
	var identities int64
	e.State.DB.Model(&db.Identity{}).Count(&identities)
	if identities != 0 {
		t.Errorf("identity count = %d, want 0", identities)
	}
}

func challengeID(t *testing.T, e *Engine) string {
	t.Helper()
	var verifications []db.PendingVerification
	if err := e.State.DB.Find(&verifications).Error; err != nil {
		t.Fatal(err)
	}
	if len(verifications) != 1 {
		t.Fatalf("verification count = %d, want 1", len(verifications))
	}
	return verifications[0].ID
}

func TestConfirmCommits(t *testing.T) {
	e, _ := testEngine(t)

	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"}), buildURL); err != nil {
		t.Fatal(err)
	}
	id := challengeID(t, e)

	outcome, err := e.HandleCallback(id, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeConfirmed {
		t.Fatalf("outcome = %s", outcome)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 1 {
		t.Error("entry missing after confirmation")
	}

	// Repeated confirmation is idempotent: same answer, no state change.
	outcome, err = e.HandleCallback(id, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeConfirmed {
		t.Errorf("repeat outcome = %s", outcome)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 1 {
		t.Error("repeat confirmation changed state")
	}
}

func TestConfirmWaitsForSiblings(t *testing.T) {
	e, _ := testEngine(t)

	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"},
		UpdateItem{Action: ActionCreate, Field: db.FieldPhone, Value: "+491234"},
	), buildURL); err != nil {
		t.Fatal(err)
	}

	var verifications []db.PendingVerification
	e.State.DB.Find(&verifications)
	if len(verifications) != 2 {
		t.Fatalf("verification count = %d, want 2", len(verifications))
	}

	if _, err := e.HandleCallback(verifications[0].ID, true); err != nil {
		t.Fatal(err)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 0 {
		t.Fatal("committed with one of two confirmations")
	}

	if _, err := e.HandleCallback(verifications[1].ID, true); err != nil {
		t.Fatal(err)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 1 {
		t.Error("email entry missing after full confirmation")
	}
	if entryCount(t, e, db.FieldPhone, "+491234") != 1 {
		t.Error("phone entry missing after full confirmation")
	}
}

func TestDenyPurgesRequest(t *testing.T) {
	e, _ := testEngine(t)

	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"},
		UpdateItem{Action: ActionCreate, Field: db.FieldPhone, Value: "+491234"},
	), buildURL); err != nil {
		t.Fatal(err)
	}
	var verifications []db.PendingVerification
	e.State.DB.Find(&verifications)

	outcome, err := e.HandleCallback(verifications[0].ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDenied {
		t.Fatalf("outcome = %s", outcome)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 0 {
		t.Error("entry committed despite denial")
	}
	var pending int64
	e.State.DB.Model(&db.PendingUpdateRequest{}).Count(&pending)
	if pending != 0 {
		t.Error("pending request survived denial")
	}
	// The sibling died with the parent; its id is now unknown.
	if _, err := e.HandleCallback(verifications[1].ID, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("sibling callback: got %v, want ErrNotFound", err)
	}
}

func TestExpiredRequestNeverCommits(t *testing.T) {
	e, _ := testEngine(t)
	now := time.Now()
	e.Now = func() time.Time { return now }

	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"}), buildURL); err != nil {
		t.Fatal(err)
	}
	id := challengeID(t, e)

	// Clock jumps past the maximum age; the confirmation comes too late.
	now = now.Add(e.MaxAge)
	outcome, err := e.HandleCallback(id, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeExpired {
		t.Fatalf("outcome = %s, want expired", outcome)
	}
	if entryCount(t, e, db.FieldEmail, "x@example.com") != 0 {
		t.Error("expired request committed")
	}

	// The outcome is recorded; asking again renders the same answer.
	outcome, err = e.HandleCallback(id, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeExpired {
		t.Errorf("repeat outcome = %s", outcome)
	}
}

func TestCallbackUnknownID(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.HandleCallback("XXXXXXXXXX", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestReviewRequest(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionDelete, Field: db.FieldEmail, Value: "x@example.com"}), buildURL); err != nil {
		t.Fatal(err)
	}
	id := challengeID(t, e)

	review, err := e.ReviewRequest(id)
	if err != nil {
		t.Fatal(err)
	}
	if review.Outcome != "" {
		t.Errorf("outcome = %s, want pending", review.Outcome)
	}
	if review.Identity.Alias != "qabel_user" || len(review.Items) != 1 {
		t.Errorf("review = %+v", review)
	}

	if _, err := e.HandleCallback(id, false); err != nil {
		t.Fatal(err)
	}
	review, err = e.ReviewRequest(id)
	if err != nil {
		t.Fatal(err)
	}
	if review.Outcome != OutcomeDenied {
		t.Errorf("outcome after deny = %s", review.Outcome)
	}
}

func TestStatus(t *testing.T) {
	e, _ := testEngine(t)
	e.ShallowVerification = true
	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "old@example.com"}), buildURL); err != nil {
		t.Fatal(err)
	}
	e.ShallowVerification = false
	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldPhone, Value: "+491234"},
		UpdateItem{Action: ActionDelete, Field: db.FieldEmail, Value: "old@example.com"},
	), buildURL); err != nil {
		t.Fatal(err)
	}

	status, err := e.Status(testPublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if status.Identity.PublicKey != testPublicKey {
		t.Errorf("identity = %+v", status.Identity)
	}
	states := map[string]string{}
	for _, entry := range status.Entries {
		states[entry.Field+"/"+entry.Value+"/"+entry.Status] = entry.Status
	}
	for _, want := range []string{
		"email/old@example.com/confirmed",
		"phone/+491234/unconfirmed",
		"email/old@example.com/deletion-pending",
	} {
		if _, ok := states[want]; !ok {
			t.Errorf("missing status entry %s (have %+v)", want, status.Entries)
		}
	}
}

func TestStatusFromPendingOnly(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"}), buildURL); err != nil {
		t.Fatal(err)
	}

	status, err := e.Status(testPublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if status.Identity.Alias != "qabel_user" {
		t.Errorf("identity not taken from pending request: %+v", status.Identity)
	}
	if len(status.Entries) != 1 || status.Entries[0].Status != EntryUnconfirmed {
		t.Errorf("entries = %+v", status.Entries)
	}
}

func TestStatusUnknownKey(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.Status(testPublicKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteIdentity(t *testing.T) {
	e, _ := testEngine(t)
	e.ShallowVerification = true
	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"}), buildURL); err != nil {
		t.Fatal(err)
	}

	if err := e.DeleteIdentity(testPublicKey); err != nil {
		t.Fatal(err)
	}
	var identities, entries int64
	e.State.DB.Model(&db.Identity{}).Count(&identities)
	e.State.DB.Model(&db.Entry{}).Count(&entries)
	if identities != 0 || entries != 0 {
		t.Errorf("identities = %d, entries = %d after delete", identities, entries)
	}

	if err := e.DeleteIdentity(testPublicKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestCheckTimestamp(t *testing.T) {
	e, _ := testEngine(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }

	if err := e.CheckTimestamp(now.Unix()); err != nil {
		t.Errorf("current timestamp rejected: %v", err)
	}
	if err := e.CheckTimestamp(now.Add(-4 * time.Minute).Unix()); err != nil {
		t.Errorf("slightly old timestamp rejected: %v", err)
	}
	err := e.CheckTimestamp(0)
	if err == nil {
		t.Fatal("epoch timestamp accepted against 2025 clock")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || !strings.Contains(reqErr.Reason, "timestamp") {
		t.Errorf("error %v must mention timestamp", err)
	}
}

func TestSearchEngine(t *testing.T) {
	e, _ := testEngine(t)
	e.ShallowVerification = true
	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldPhone, Value: "+491234"}), buildURL); err != nil {
		t.Fatal(err)
	}

	// Locale-scrubbed query finds the E.164 entry.
	identities, err := e.Search(map[string][]string{"phone": {"1234"}}, "DE")
	if err != nil {
		t.Fatal(err)
	}
	if len(identities) != 1 {
		t.Fatalf("result count = %d, want 1", len(identities))
	}
	if identities[0].Matches[0] != (db.Match{Field: "phone", Value: "+491234"}) {
		t.Errorf("matches = %+v", identities[0].Matches)
	}

	if _, err := e.Search(map[string][]string{"shoe_size": {"42"}}, "DE"); err == nil {
		t.Error("unknown field accepted")
	}
	if _, err := e.Search(map[string][]string{}, "DE"); err == nil {
		t.Error("empty query accepted")
	}
}

func TestSearchNeverSurfacesPending(t *testing.T) {
	e, _ := testEngine(t)
	if _, err := e.Submit(testRequest(false,
		UpdateItem{Action: ActionCreate, Field: db.FieldEmail, Value: "x@example.com"}), buildURL); err != nil {
		t.Fatal(err)
	}

	identities, err := e.Search(map[string][]string{"email": {"x@example.com"}}, "DE")
	if err != nil {
		t.Fatal(err)
	}
	if len(identities) != 0 {
		t.Errorf("pending entry surfaced in search: %+v", identities)
	}
}
