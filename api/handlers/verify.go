// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package handlers

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/qabel/go-index-server/internal/engine"
)

//go:embed pages/*.tmpl
var pageFS embed.FS

var pages = template.Must(template.ParseFS(pageFS, "pages/*.tmpl"))

func renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("Error rendering page", "page", name, "err", err)
	}
}

// renderOutcome shows the page matching a verification outcome. Repeated
// callbacks land here with the recorded outcome and see the same page again.
func renderOutcome(w http.ResponseWriter, outcome engine.Outcome) {
	switch outcome {
	case engine.OutcomeExpired:
		renderPage(w, http.StatusOK, "expired.html.tmpl", nil)
	default:
		renderPage(w, http.StatusOK, "status.html.tmpl", map[string]any{"Status": string(outcome)})
	}
}

// Verify resolves a challenge directly with one request.
// Exposed as GET /verify/{id}/{action}/ with action confirm or deny.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]

	outcome, err := h.Engine.HandleCallback(id, action == "confirm")
	if err != nil {
		h.pageError(w, err)
		return
	}
	renderOutcome(w, outcome)
}

// Review shows the pending request behind a challenge id; submitting the
// form redirects into the verify flow.
// Exposed as GET and POST /verify/{id}/.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if r.Method == http.MethodPost {
		action := r.PostFormValue("action")
		if action == "confirm" || action == "deny" {
			http.Redirect(w, r, "/verify/"+id+"/"+action+"/", http.StatusSeeOther)
			return
		}
	}

	review, err := h.Engine.ReviewRequest(id)
	if err != nil {
		h.pageError(w, err)
		return
	}
	if review.Outcome != "" {
		renderOutcome(w, review.Outcome)
		return
	}
	renderPage(w, http.StatusOK, "review.html.tmpl", map[string]any{
		"Identity": review.Identity,
		"Items":    review.Items,
	})
}

func (h *Handler) pageError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrNotFound) {
		renderPage(w, http.StatusNotFound, "notfound.html.tmpl", nil)
		return
	}
	slog.Error("Verification page error", "err", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
