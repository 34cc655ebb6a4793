// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/qabel/go-index-server/internal/contact"
	"github.com/qabel/go-index-server/internal/db"
	"github.com/qabel/go-index-server/internal/noisebox"
)

// RequestError is a validation failure with a reason safe to show the client.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &RequestError{Reason: fmt.Sprintf(format, args...)}
}

// Update item actions.
const (
	ActionCreate = "create"
	ActionDelete = "delete"
)

// IdentityRef is the public identity triplet carried in update requests.
type IdentityRef struct {
	PublicKey string `json:"public_key"`
	Alias     string `json:"alias"`
	DropURL   string `json:"drop_url"`
}

// UpdateItem is a single create or delete of one (field, value) entry.
type UpdateItem struct {
	Action string `json:"action"`
	Field  string `json:"field"`
	Value  string `json:"value"`
}

// VerificationRequired reports whether the item needs a user confirmation.
// Creates always do: knowing a private key must not let anyone claim an
// arbitrary mail address. Deletes ride on key proof alone.
func (item UpdateItem) VerificationRequired(publicKeyVerified bool) bool {
	return item.Action == ActionCreate || !publicKeyVerified
}

// UpdateRequest is a decoded, validated directory update.
type UpdateRequest struct {
	Identity          IdentityRef  `json:"identity"`
	Items             []UpdateItem `json:"items"`
	PublicKeyVerified bool         `json:"public_key_verified"`
}

// Serialize returns the canonical JSON form stored in the pending ledger.
func (r *UpdateRequest) Serialize() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PhonePolicy decides which phone country codes may be registered. A
// non-empty allow-list wins; otherwise the deny-list applies.
type PhonePolicy struct {
	AllowedCountries     []int
	BlacklistedCountries []int
}

// Check validates the country code of an E.164 number against the policy.
func (p PhonePolicy) Check(e164 string) error {
	cc, err := contact.CountryCode(e164)
	if err != nil {
		return invalid("Scrubber for 'phone' failed: %s", err)
	}
	if len(p.AllowedCountries) > 0 {
		for _, allowed := range p.AllowedCountries {
			if cc == allowed {
				return nil
			}
		}
		return invalid("Phone numbers with country code +%d cannot be registered.", cc)
	}
	for _, blocked := range p.BlacklistedCountries {
		if cc == blocked {
			return invalid("Phone numbers with country code +%d cannot be registered.", cc)
		}
	}
	return nil
}

func validateIdentity(identity IdentityRef) error {
	if identity.PublicKey == "" || identity.Alias == "" || identity.DropURL == "" {
		return invalid("Identity requires public_key, alias and drop_url.")
	}
	if _, err := noisebox.DecodeKey(identity.PublicKey); err != nil {
		return invalid("public key must be 64 hex characters.")
	}
	parsed, err := url.Parse(identity.DropURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return invalid("drop_url must be an absolute http(s) URL.")
	}
	if !contact.CheckDropURL(identity.DropURL) {
		// Clients are expected to send canonical drop URLs (final segment a
		// 43-character drop id) but legacy ones did not; accept and note it.
		slog.Debug("drop_url has no canonical drop id", "drop_url", identity.DropURL)
	}
	return nil
}

// scrubValue canonicalizes an item value for its field. Phone numbers come
// out in E.164 with the region supplying a missing country code.
func scrubValue(field, value, region string) (string, error) {
	switch field {
	case db.FieldPhone:
		normalized, err := contact.NormalizePhoneNumber(value, region)
		if err != nil {
			return "", invalid("Scrubber for 'phone' failed: %s", err)
		}
		return normalized, nil
	default:
		return value, nil
	}
}

// ParseUpdateRequest decodes and validates a request body. The region (from
// Accept-Language) feeds the phone scrubber; the policy gates country codes.
func ParseUpdateRequest(data []byte, region string, policy PhonePolicy) (*UpdateRequest, error) {
	var request UpdateRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, invalid("Invalid JSON: %s", err)
	}
	// A request arriving over the plain JSON path never proved anything.
	request.PublicKeyVerified = false

	if err := validateIdentity(request.Identity); err != nil {
		return nil, err
	}
	request.Identity.PublicKey = strings.ToLower(request.Identity.PublicKey)

	if len(request.Items) == 0 {
		return nil, invalid("At least one update item is required.")
	}
	seen := make(map[string]bool)
	for i, item := range request.Items {
		if item.Action != ActionCreate && item.Action != ActionDelete {
			return nil, invalid("Invalid action %q.", item.Action)
		}
		if !db.KnownFields[item.Field] {
			return nil, invalid("Unknown field %q.", item.Field)
		}
		if item.Value == "" {
			return nil, invalid("Item value must not be empty.")
		}
		key := item.Action + "\x00" + item.Field
		if seen[key] {
			return nil, invalid("Duplicate update items are not allowed.")
		}
		seen[key] = true

		value, err := scrubValue(item.Field, item.Value, region)
		if err != nil {
			return nil, err
		}
		if item.Field == db.FieldPhone {
			if err := policy.Check(value); err != nil {
				return nil, err
			}
		}
		request.Items[i].Value = value
	}
	return &request, nil
}

// ParseStoredRequest deserializes the canonical form written by Serialize.
// Values are already scrubbed and policy-checked at admission; replaying the
// request must not depend on the original request's locale.
func ParseStoredRequest(stored string) (*UpdateRequest, error) {
	var request UpdateRequest
	if err := json.Unmarshal([]byte(stored), &request); err != nil {
		return nil, fmt.Errorf("corrupt stored request: %w", err)
	}
	return &request, nil
}
