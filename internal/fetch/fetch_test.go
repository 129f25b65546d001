package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
	"github.com/Brownie44l1/knee-cdss/internal/config"
	"github.com/Brownie44l1/knee-cdss/internal/logging"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a.dcm", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("aaa")) })
	mux.HandleFunc("/b.dcm", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("bb")) })
	mux.HandleFunc("/c.dcm", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("c")) })
	mux.HandleFunc("/big.dcm", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2<<20)))
	})
	mux.HandleFunc("/slow.dcm", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher(timeout int, concurrent bool) *Fetcher {
	return New(config.FetchConfig{TimeoutSeconds: timeout, MaxDownloadMB: 1, Concurrent: concurrent}, logging.Nop())
}

func TestFetchAllKeepsOrder(t *testing.T) {
	srv := newServer(t)
	for _, concurrent := range []bool{true, false} {
		got, err := newFetcher(5, concurrent).FetchAll(context.Background(),
			[]string{srv.URL + "/c.dcm", srv.URL + "/a.dcm", srv.URL + "/b.dcm"})
		if err != nil {
			t.Fatalf("FetchAll(concurrent=%v): %v", concurrent, err)
		}
		if string(got[0]) != "c" || string(got[1]) != "aaa" || string(got[2]) != "bb" {
			t.Fatalf("FetchAll(concurrent=%v) = %q", concurrent, got)
		}
	}
}

func TestFetchErrors(t *testing.T) {
	srv := newServer(t)
	tests := []struct {
		name   string
		url    string
		status int
	}{
		{"not found", srv.URL + "/missing.dcm", http.StatusBadRequest},
		{"too large", srv.URL + "/big.dcm", http.StatusBadRequest},
		{"bad url", "://nope", http.StatusBadRequest},
		{"refused", "http://127.0.0.1:1/x.dcm", http.StatusBadRequest},
		{"timeout", srv.URL + "/slow.dcm", http.StatusGatewayTimeout},
	}
	f := newFetcher(1, true)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), tt.url)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.Status(err); got != tt.status {
				t.Fatalf("status = %d, want %d (%v)", got, tt.status, err)
			}
		})
	}
}

func TestFetchAllReportsRealFailure(t *testing.T) {
	srv := newServer(t)
	_, err := newFetcher(5, true).FetchAll(context.Background(),
		[]string{srv.URL + "/slow.dcm", srv.URL + "/missing.dcm", srv.URL + "/a.dcm"})
	if !errors.Is(err, apperr.ErrRetrieval) {
		t.Fatalf("err = %v, want retrieval error", err)
	}
	if !strings.Contains(apperr.Detail(err), "404") {
		t.Fatalf("detail = %q, want the 404 status", apperr.Detail(err))
	}
}
