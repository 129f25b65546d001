package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
)

// Routes wires every endpoint behind the CORS and recovery middleware.
func (h *Handler) Routes(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Root)
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/analyze", h.Analyze)
	mux.HandleFunc("/analyze/upload", h.AnalyzeUpload)
	return h.recoverer(enableCORS(allowedOrigins, mux))
}

func enableCORS(allowed []string, next http.Handler) http.Handler {
	wildcard := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && set[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer turns a panic anywhere below it into a logged internal error.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("panic: %v", rec), "unhandled panic")
				h.fail(w, h.log.With("path", r.URL.Path), err)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
