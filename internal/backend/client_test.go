package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
	"time"

	"github.com/danmuck/chatrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(Config{Endpoint: srv.URL + "/query", Timeout: timeout}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestAskPostsQuestionAndPhone(t *testing.T) {
	testlog.Start(t)
	var got queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": "Breakfast is at 8."})
	}))
	defer srv.Close()

	answer, err := newTestClient(t, srv, time.Second).Ask(context.Background(), "Hi there", "1555@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "Breakfast is at 8.", answer.Text)
	assert.Equal(t, queryRequest{Question: "Hi there", Phone: "1555@s.whatsapp.net"}, got)
}

func TestAskMissingAnswerIsEmpty(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	answer, err := newTestClient(t, srv, time.Second).Ask(context.Background(), "q", "p")
	require.NoError(t, err)
	assert.Empty(t, answer.Text)
}

func TestAskNon2xxIsStatusError(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Second).Ask(context.Background(), "q", "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendStatus)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "boom")
}

func TestStatusErrorBodyKeepsWholeRunes(t *testing.T) {
	testlog.Start(t)
	// 255 ASCII bytes put the 256 byte limit inside the first two-byte rune.
	body := strings.Repeat("a", 255) + strings.Repeat("é", 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Second).Ask(context.Background(), "q", "p")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.True(t, utf8.ValidString(statusErr.Body))
	assert.Equal(t, strings.Repeat("a", 255), statusErr.Body)
}

func TestTruncate(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, "abc", truncate("abc", 8))
	assert.Equal(t, "ab", truncate("abcd", 2))
	assert.Equal(t, "", truncate("日本", 2))
	assert.Equal(t, "日", truncate("日本", 4))
}

func TestAskTimeout(t *testing.T) {
	testlog.Start(t)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(t, srv, 50*time.Millisecond).Ask(context.Background(), "q", "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAskMalformedBody(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, time.Second).Ask(context.Background(), "q", "p")
	assert.Error(t, err)
}

func TestHealthUsesOrigin(t *testing.T) {
	testlog.Start(t)
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv, time.Second).Health(context.Background()))
	assert.Equal(t, "/", path)
}

func TestNewClientValidation(t *testing.T) {
	testlog.Start(t)
	_, err := NewClient(Config{}, nil)
	assert.ErrorIs(t, err, ErrEndpointRequired)

	c, err := NewClient(Config{Endpoint: "http://127.0.0.1:5000/query"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.cfg.Timeout)
	assert.Equal(t, "http://127.0.0.1:5000/", c.cfg.HealthURL)
}
