package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultVersion is used when no version lookup succeeds.
var DefaultVersion = Version{2, 3000, 1023223821}

var ErrVersionSource = errors.New("transport: version source")

// VersionSource reports the protocol version to announce on connect.
type VersionSource interface {
	Latest(ctx context.Context) (Version, error)
}

// StaticVersion always reports itself.
type StaticVersion Version

func (v StaticVersion) Latest(context.Context) (Version, error) {
	return Version(v), nil
}

// HTTPVersionSource fetches {"version":[major,minor,patch]} from URL. Any failure is
// logged and answered with Fallback.
type HTTPVersionSource struct {
	URL      string
	Client   *http.Client
	Timeout  time.Duration
	Fallback Version
}

func NewHTTPVersionSource(url string) *HTTPVersionSource {
	return &HTTPVersionSource{
		URL:      strings.TrimSpace(url),
		Client:   http.DefaultClient,
		Timeout:  5 * time.Second,
		Fallback: DefaultVersion,
	}
}

func (s *HTTPVersionSource) Latest(ctx context.Context) (Version, error) {
	v, err := s.fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Str("url", s.URL).Str("fallback", s.Fallback.String()).Msg("transport.HTTPVersionSource using fallback")
		return s.Fallback, nil
	}
	log.Debug().Str("version", v.String()).Msg("transport.HTTPVersionSource latest")
	return v, nil
}

func (s *HTTPVersionSource) fetch(ctx context.Context) (Version, error) {
	if s.URL == "" {
		return Version{}, fmt.Errorf("%w: url not configured", ErrVersionSource)
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Version{}, err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Version{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Version{}, fmt.Errorf("%w: status %d", ErrVersionSource, resp.StatusCode)
	}
	var doc struct {
		Version []uint32 `json:"version"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&doc); err != nil {
		return Version{}, fmt.Errorf("%w: decode: %v", ErrVersionSource, err)
	}
	if len(doc.Version) != 3 {
		return Version{}, fmt.Errorf("%w: want 3 version parts, got %d", ErrVersionSource, len(doc.Version))
	}
	return Version{doc.Version[0], doc.Version[1], doc.Version[2]}, nil
}
