// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

// Package authz gates API access on the external accounting service.
package authz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// cacheTTL is how long a positive authorization is remembered per header.
const cacheTTL = 60 * time.Second

// Authorizer checks Authorization headers against the accounting service.
// Positive outcomes are cached; negative ones are re-checked every time.
type Authorizer struct {
	Require   bool
	URL       string
	APISecret string
	Client    *http.Client

	cache *gocache.Cache
}

// NewAuthorizer builds an authorizer. A nil client falls back to a default
// with a conservative timeout.
func NewAuthorizer(require bool, url, apiSecret string, client *http.Client) *Authorizer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Authorizer{
		Require:   require,
		URL:       url,
		APISecret: apiSecret,
		Client:    client,
		cache:     gocache.New(cacheTTL, 2*cacheTTL),
	}
}

func (a *Authorizer) endpointURL() string {
	return a.URL + "/api/v0/internal/user/"
}

// Check returns whether the request is authorized and a user-visible reason.
func (a *Authorizer) Check(authHeader string) (bool, string) {
	if !a.Require {
		reason := "No authorization required, none checked."
		slog.Debug("Request is authorized", "reason", reason)
		return true, reason
	}
	if authHeader == "" {
		reason := "No authorization supplied."
		slog.Warn("Request is unauthorized", "reason", reason)
		return false, reason
	}
	if cached, found := a.cache.Get(authHeader); found {
		return true, "Cached: " + cached.(string)
	}
	acked, reason := a.checkAccounting(authHeader)
	if !acked {
		slog.Warn("Request is unauthorized", "reason", reason)
		return false, reason
	}
	slog.Info("Request is authorized", "reason", reason)
	a.cache.Set(authHeader, reason, cacheTTL)
	return true, reason
}

func (a *Authorizer) checkAccounting(authHeader string) (bool, string) {
	body, err := json.Marshal(map[string]string{"auth": authHeader})
	if err != nil {
		return false, "Internal error."
	}
	req, err := http.NewRequest(http.MethodPost, a.endpointURL(), bytes.NewReader(body))
	if err != nil {
		return false, "Internal error."
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("APISECRET", a.APISecret)

	resp, err := a.Client.Do(req)
	if err != nil {
		slog.Error("Accounting server request failed", "err", err)
		return false, "Accounting server unreachable."
	}
	defer resp.Body.Close()
	return a.checkResponse(resp)
}

func (a *Authorizer) checkResponse(resp *http.Response) (bool, string) {
	if resp.StatusCode == http.StatusNotFound {
		return false, "User not found."
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("Failed accounting request", "status", resp.StatusCode)
		var errBody struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody.Error == "" {
			return false, "Unknown."
		}
		return false, errBody.Error
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		slog.Error("Invalid JSON in response from accounting server", "err", err)
		return false, "Invalid response."
	}
	activeValue, haveActive := decoded["active"]
	userID, haveUser := decoded["user_id"]
	if !haveActive || !haveUser {
		slog.Error("Unable to parse accounting server response", "response", decoded)
		return false, "Invalid response."
	}
	active, ok := activeValue.(bool)
	if !ok {
		slog.Error("Unable to parse accounting server response", "response", decoded)
		return false, "Invalid response."
	}
	slog.Info("Acknowledged token", "user_id", fmt.Sprint(userID), "active", active)
	if !active {
		return false, "Account is disabled."
	}
	return true, ""
}
