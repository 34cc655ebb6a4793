// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

// Package api assembles the HTTP route table and request middleware.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/qabel/go-index-server/api/handlers"
	"github.com/qabel/go-index-server/internal/authz"
)

// HTTPHandler wires the endpoint handlers into a router.
type HTTPHandler struct {
	Handlers   *handlers.Handler
	Authorizer *authz.Authorizer
}

// NewHTTPHandler creates the route assembly for the given handler set.
func NewHTTPHandler(h *handlers.Handler, a *authz.Authorizer) *HTTPHandler {
	return &HTTPHandler{Handlers: h, Authorizer: a}
}

// RegisterRoutes builds the router serving the public API and the
// verification pages.
func (h *HTTPHandler) RegisterRoutes() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v0").Subrouter()
	if h.Authorizer != nil {
		api.Use(h.authorizationMiddleware)
	}
	api.HandleFunc("/", h.Handlers.APIRoot).Methods(http.MethodGet)
	api.HandleFunc("/key/", h.Handlers.Key).Methods(http.MethodGet)
	api.HandleFunc("/search/", h.Handlers.Search).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/update/", h.Handlers.Update).Methods(http.MethodPut)
	api.HandleFunc("/status/", h.Handlers.Status).Methods(http.MethodPost)
	api.HandleFunc("/delete-identity/", h.Handlers.DeleteIdentity).Methods(http.MethodPost)

	verify := r.PathPrefix("/verify").Subrouter()
	verify.Use(rateLimitMiddleware())
	verify.HandleFunc("/{id}/{action:confirm|deny}/", h.Handlers.Verify).Methods(http.MethodGet)
	verify.HandleFunc("/{id}/", h.Handlers.Review).Methods(http.MethodGet, http.MethodPost)

	r.Use(loggingMiddleware)
	return r
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Received request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPHandler) authorizationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorized, reason := h.Authorizer.Check(r.Header.Get("Authorization"))
		if !authorized {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":` + jsonQuote(reason) + `}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonQuote(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted)
}

// rateLimitMiddleware throttles the public verification endpoints per client
// address so challenge ids cannot be probed at speed.
func rateLimitMiddleware() mux.MiddlewareFunc {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	limiterFor := func(addr string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		limiter, ok := limiters[addr]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(5), 20)
			limiters[addr] = limiter
		}
		return limiter
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !limiterFor(host).Allow() {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
