// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package engine

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const testPublicKey = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"

func validRequestJSON(items ...map[string]string) []byte {
	request := map[string]any{
		"identity": map[string]string{
			"public_key": testPublicKey,
			"alias":      "public alias",
			"drop_url":   "http://example.com",
		},
		"items": items,
	}
	data, _ := json.Marshal(request)
	return data
}

func item(action, field, value string) map[string]string {
	return map[string]string{"action": action, "field": field, "value": value}
}

func TestParseUpdateRequest(t *testing.T) {
	request, err := ParseUpdateRequest(
		validRequestJSON(item("create", "email", "x@example.com")), "DE", PhonePolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if request.Identity.PublicKey != testPublicKey {
		t.Errorf("public key = %q", request.Identity.PublicKey)
	}
	if request.PublicKeyVerified {
		t.Error("plain request must not be key-verified")
	}
	if len(request.Items) != 1 || request.Items[0].Value != "x@example.com" {
		t.Errorf("items = %+v", request.Items)
	}
}

func TestParseUpdateRequestInvalid(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"empty object", []byte(`{}`)},
		{"items not a list", []byte(`{"identity":{"public_key":"` + testPublicKey + `","alias":"a","drop_url":"http://example.com"},"items":"a string?"}`)},
		{"no items", validRequestJSON()},
		{"bad action", validRequestJSON(item("well that is not valid", "email", "x@example.com"))},
		{"bad field", validRequestJSON(item("create", "carrier-pigeon", "x"))},
		{"empty value", validRequestJSON(item("create", "email", ""))},
		{"bad public key", []byte(`{"identity":{"public_key":"abc","alias":"a","drop_url":"http://example.com"},"items":[{"action":"create","field":"email","value":"x@example.com"}]}`)},
		{"bad drop url", []byte(`{"identity":{"public_key":"` + testPublicKey + `","alias":"a","drop_url":"not a url"},"items":[{"action":"create","field":"email","value":"x@example.com"}]}`)},
		{"unparseable phone", validRequestJSON(item("create", "phone", "not a number"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUpdateRequest(tt.body, "DE", PhonePolicy{})
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Errorf("got %v, want RequestError", err)
			}
		})
	}
}

func TestParseUpdateRequestDuplicateItems(t *testing.T) {
	_, err := ParseUpdateRequest(validRequestJSON(
		item("create", "email", "a@example.com"),
		item("create", "email", "b@example.com"),
	), "DE", PhonePolicy{})
	if err == nil {
		t.Error("duplicate (action, field) accepted")
	}

	// Same field with different actions is allowed.
	_, err = ParseUpdateRequest(validRequestJSON(
		item("create", "email", "a@example.com"),
		item("delete", "email", "b@example.com"),
	), "DE", PhonePolicy{})
	if err != nil {
		t.Errorf("create+delete on same field rejected: %v", err)
	}
}

func TestParseUpdateRequestScrubsPhone(t *testing.T) {
	request, err := ParseUpdateRequest(
		validRequestJSON(item("create", "phone", "1234")), "DE", PhonePolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if request.Items[0].Value != "+491234" {
		t.Errorf("value = %q, want +491234", request.Items[0].Value)
	}

	request, err = ParseUpdateRequest(
		validRequestJSON(item("create", "phone", "1234")), "US", PhonePolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if request.Items[0].Value != "+11234" {
		t.Errorf("value = %q, want +11234", request.Items[0].Value)
	}
}

func TestPhonePolicy(t *testing.T) {
	denyCuba := PhonePolicy{BlacklistedCountries: []int{53}}
	if err := denyCuba.Check("+4912345678"); err != nil {
		t.Errorf("German number rejected by deny-list: %v", err)
	}
	if err := denyCuba.Check("+5351234567"); err == nil {
		t.Error("deny-listed number accepted")
	}

	allowGermany := PhonePolicy{AllowedCountries: []int{49}}
	if err := allowGermany.Check("+4912345678"); err != nil {
		t.Errorf("allow-listed number rejected: %v", err)
	}
	if err := allowGermany.Check("+15005550006"); err == nil {
		t.Error("number outside allow-list accepted")
	}

	// Allow-list wins over deny-list.
	both := PhonePolicy{AllowedCountries: []int{49}, BlacklistedCountries: []int{49}}
	if err := both.Check("+4912345678"); err != nil {
		t.Errorf("allow-list should take precedence: %v", err)
	}
}

func TestVerificationRequired(t *testing.T) {
	create := UpdateItem{Action: ActionCreate}
	del := UpdateItem{Action: ActionDelete}

	if !create.VerificationRequired(true) {
		t.Error("creates must always verify, key proof or not")
	}
	if !create.VerificationRequired(false) {
		t.Error("creates must always verify")
	}
	if del.VerificationRequired(true) {
		t.Error("authenticated deletes skip verification")
	}
	if !del.VerificationRequired(false) {
		t.Error("unauthenticated deletes must verify")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	request, err := ParseUpdateRequest(
		validRequestJSON(item("create", "email", "x@example.com")), "DE", PhonePolicy{})
	if err != nil {
		t.Fatal(err)
	}
	request.PublicKeyVerified = true
	stored, err := request.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stored, `"public_key_verified":true`) {
		t.Errorf("serialized form lacks key proof flag: %s", stored)
	}
	replayed, err := ParseStoredRequest(stored)
	if err != nil {
		t.Fatal(err)
	}
	if !replayed.PublicKeyVerified || len(replayed.Items) != 1 {
		t.Errorf("replayed = %+v", replayed)
	}
}
