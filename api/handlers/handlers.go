// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

// Package handlers implements the public HTTP surface of the index server.
//
// Public keys are represented by their hexadecimal string encoding, since
// JSON cannot transport binary data.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/qabel/go-index-server/internal/contact"
	"github.com/qabel/go-index-server/internal/engine"
	"github.com/qabel/go-index-server/internal/noisebox"
	"github.com/qabel/go-index-server/internal/verification"
)

// NoiseBoxMediaType is the content type selecting the encrypted update path.
const NoiseBoxMediaType = "application/vnd.qabel.noisebox+json"

// maxBodySize bounds request bodies; noise boxes for 64 KiB payloads fit
// comfortably.
const maxBodySize = 1 << 20

// Handler carries the dependencies of all endpoint handlers.
type Handler struct {
	Engine        *engine.Engine
	Keys          *noisebox.KeyPair
	Policy        engine.PhonePolicy
	DefaultRegion string

	// ExternalURL overrides the scheme+host used to build absolute URLs in
	// challenge messages and the API root. Empty means: derive from request.
	ExternalURL string
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Error encoding response", "err", err)
	}
}

// apiError renders the {"error": reason} body all API failures share.
func apiError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// urlBuilder derives the absolute URL builder for this request.
func (h *Handler) urlBuilder(r *http.Request) verification.URLBuilder {
	base := h.ExternalURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	base = strings.TrimRight(base, "/")
	return func(path string) string { return base + path }
}

// region derives the phone scrubber fallback region from Accept-Language.
func (h *Handler) region(r *http.Request) string {
	return contact.RegionFromAcceptLanguage(r.Header.Get("Accept-Language"), h.DefaultRegion)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		apiError(w, http.StatusBadRequest, "Could not read request body.")
		return nil, false
	}
	return body, true
}

// openBox decrypts a noise box request body. Decryption failures are logged
// with the server key context but answered with a single undifferentiated
// reason.
func (h *Handler) openBox(w http.ResponseWriter, body []byte) (*noisebox.Box, bool) {
	box, err := noisebox.Decrypt(h.Keys, body)
	if err != nil {
		serverKey, _ := noisebox.EncodeKey(h.Keys.Public[:])
		slog.Warn("Noise box decryption failed", "public_key", serverKey)
		apiError(w, http.StatusBadRequest, "Could not decrypt request.")
		return nil, false
	}
	return box, true
}

// APIRoot returns the mapping of API names to their endpoint URLs.
// Exposed as GET /api/v0/.
func (h *Handler) APIRoot(w http.ResponseWriter, r *http.Request) {
	build := h.urlBuilder(r)
	apis := map[string]string{
		"key":             build("/api/v0/key/"),
		"search":          build("/api/v0/search/"),
		"update":          build("/api/v0/update/"),
		"status":          build("/api/v0/status/"),
		"delete-identity": build("/api/v0/delete-identity/"),
	}
	writeJSON(w, http.StatusOK, apis)
}

// Key returns the server's long-term public key.
// Exposed as GET /api/v0/key/.
func (h *Handler) Key(w http.ResponseWriter, _ *http.Request) {
	publicKey, err := noisebox.EncodeKey(h.Keys.Public[:])
	if err != nil {
		apiError(w, http.StatusInternalServerError, "Server key unavailable.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": publicKey})
}

// Search resolves exact-match queries for registered contact data.
// Exposed as GET (query string) and POST (JSON body) on /api/v0/search/.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	queries := make(map[string][]string)
	switch r.Method {
	case http.MethodGet:
		for field, values := range r.URL.Query() {
			queries[field] = values
		}
	case http.MethodPost:
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		var decoded struct {
			Query []struct {
				Field string `json:"field"`
				Value string `json:"value"`
			} `json:"query"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			apiError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
		for _, pair := range decoded.Query {
			queries[pair.Field] = append(queries[pair.Field], pair.Value)
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identities, err := h.Engine.Search(queries, h.region(r))
	if err != nil {
		h.engineError(w, err)
		return
	}
	if identities == nil {
		identities = []engine.SearchIdentity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": identities})
}

// Update atomically creates or deletes entries in the directory.
// Exposed as PUT /api/v0/update/; the content type selects the plain JSON or
// encrypted path.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var request *engine.UpdateRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), NoiseBoxMediaType) {
		box, ok := h.openBox(w, body)
		if !ok {
			return
		}
		parsed, err := engine.ParseUpdateRequest([]byte(box.Contents), h.region(r), h.Policy)
		if err != nil {
			h.engineError(w, err)
			return
		}
		senderKey, err := noisebox.EncodeKey(box.SenderPublicKey)
		if err != nil || senderKey != parsed.Identity.PublicKey {
			apiError(w, http.StatusForbidden,
				"Sender public key does not match the request identity.")
			return
		}
		parsed.PublicKeyVerified = true
		request = parsed
	} else {
		parsed, err := engine.ParseUpdateRequest(body, h.region(r), h.Policy)
		if err != nil {
			h.engineError(w, err)
			return
		}
		request = parsed
	}

	result, err := h.Engine.Submit(request, h.urlBuilder(r))
	if err != nil {
		h.engineError(w, err)
		return
	}
	switch result {
	case engine.ResultCommitted:
		w.WriteHeader(http.StatusNoContent)
	case engine.ResultAccepted:
		w.WriteHeader(http.StatusAccepted)
	}
}

// controlRequest is the inner payload of encrypted control messages.
type controlRequest struct {
	API       string `json:"api"`
	Timestamp int64  `json:"timestamp"`
}

// openControl decrypts and replay-checks an encrypted control message.
func (h *Handler) openControl(w http.ResponseWriter, r *http.Request, wantAPI string) (string, bool) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), NoiseBoxMediaType) {
		apiError(w, http.StatusBadRequest, "This endpoint only accepts encrypted requests.")
		return "", false
	}
	body, ok := readBody(w, r)
	if !ok {
		return "", false
	}
	box, ok := h.openBox(w, body)
	if !ok {
		return "", false
	}
	var control controlRequest
	if err := json.Unmarshal([]byte(box.Contents), &control); err != nil {
		apiError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return "", false
	}
	if control.API != wantAPI {
		apiError(w, http.StatusBadRequest, "Unexpected api field.")
		return "", false
	}
	if err := h.Engine.CheckTimestamp(control.Timestamp); err != nil {
		h.engineError(w, err)
		return "", false
	}
	senderKey, err := noisebox.EncodeKey(box.SenderPublicKey)
	if err != nil {
		apiError(w, http.StatusBadRequest, "Invalid sender key.")
		return "", false
	}
	return senderKey, true
}

// Status reports the committed and pending entries for the sender's key.
// Exposed as POST /api/v0/status/, encrypted only.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	senderKey, ok := h.openControl(w, r, "status")
	if !ok {
		return
	}
	status, err := h.Engine.Status(senderKey)
	if err != nil {
		h.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// DeleteIdentity drops the sender's identity with all entries.
// Exposed as POST /api/v0/delete-identity/, encrypted only.
func (h *Handler) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
	senderKey, ok := h.openControl(w, r, "delete-identity")
	if !ok {
		return
	}
	if err := h.Engine.DeleteIdentity(senderKey); err != nil {
		h.engineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// engineError maps engine errors onto HTTP responses.
func (h *Handler) engineError(w http.ResponseWriter, err error) {
	var reqErr *engine.RequestError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		apiError(w, http.StatusNotFound, "Not found.")
	case errors.As(err, &reqErr):
		apiError(w, http.StatusBadRequest, reqErr.Reason)
	default:
		slog.Error("Internal error", "err", err)
		apiError(w, http.StatusInternalServerError, "Internal server error.")
	}
}
