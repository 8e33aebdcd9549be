package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/chatrelay/internal/testutil/testlog"
	"github.com/danmuck/chatrelay/internal/transport"
)

func TestHTTPVersionSourceLatest(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":[2,3000,1015901307],"isLatest":true}`))
	}))
	defer srv.Close()

	src := transport.NewHTTPVersionSource(srv.URL)
	src.Client = srv.Client()
	got, err := src.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != (transport.Version{2, 3000, 1015901307}) {
		t.Fatalf("unexpected version: %s", got)
	}
}

func TestHTTPVersionSourceFallsBack(t *testing.T) {
	testlog.Start(t)
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusServiceUnavailable)
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"version":"latest"}`))
		},
		"short": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"version":[2,3000]}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			src := transport.NewHTTPVersionSource(srv.URL)
			src.Client = srv.Client()
			src.Fallback = transport.Version{9, 9, 9}
			got, err := src.Latest(context.Background())
			if err != nil {
				t.Fatalf("latest should not fail: %v", err)
			}
			if got != (transport.Version{9, 9, 9}) {
				t.Fatalf("expected fallback, got %s", got)
			}
		})
	}
}

func TestHTTPVersionSourceUnconfigured(t *testing.T) {
	testlog.Start(t)
	got, err := transport.NewHTTPVersionSource("").Latest(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != transport.DefaultVersion {
		t.Fatalf("expected default version, got %s", got)
	}
}

func TestStaticVersion(t *testing.T) {
	testlog.Start(t)
	got, err := transport.StaticVersion{1, 2, 3}.Latest(context.Background())
	if err != nil || got.String() != "1.2.3" {
		t.Fatalf("unexpected static version: %s err=%v", got, err)
	}
}
