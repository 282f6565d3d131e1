package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"facecam-go/internal/backend"
)

func firstStatus(t *testing.T, baseURL, path string) Status {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Status, 1)
	go Poll(ctx, nil, baseURL, path, time.Hour, func(s Status) {
		select {
		case got <- s:
		default:
		}
	})
	select {
	case s := <-got:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("%s%s: no status", baseURL, path)
	}
	return Status{}
}

func TestPollReportsStates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>{"status":"down"}</body></html>`))
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"Busy"}`))
	})
	mux.HandleFunc("/odd", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[1,2]`))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cases := []struct {
		path, want string
		reachable  bool
	}{
		{"/page", "ok", true},
		{"busy", "busy", true},
		{"/odd", "ok", true},
		{"/down", "http_503", false},
	}
	for _, tc := range cases {
		s := firstStatus(t, srv.URL+"/", tc.path)
		if s.State != tc.want || s.Reachable() != tc.reachable {
			t.Fatalf("%s: got %+v, want %q", tc.path, s, tc.want)
		}
		if s.Counts != nil {
			t.Fatalf("%s: unexpected counts %v", tc.path, s.Counts)
		}
	}

	if s := firstStatus(t, "http://127.0.0.1:1", "/"); s.State != "error" || s.Reachable() {
		t.Fatalf("unexpected status for a closed port: %+v", s)
	}
}

func TestPollReadsDemoBackendCounts(t *testing.T) {
	be := backend.New(backend.Options{}, zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(be.Handler())
	defer srv.Close()

	s := firstStatus(t, srv.URL, "/")
	if s.State != "ok" || !s.Reachable() {
		t.Fatalf("unexpected status: %+v", s)
	}
	if _, ok := s.Counts["Requests"]; !ok {
		t.Fatalf("backend counts missing: %v", s.Counts)
	}
}
