// Package backend is the HTTP client for the question-answering service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 1 << 20

var (
	ErrEndpointRequired = errors.New("backend: endpoint required")
	ErrBackendStatus    = errors.New("backend: unexpected status")
)

// StatusError reports a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrBackendStatus
}

type Config struct {
	Endpoint  string
	HealthURL string
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Endpoint: "http://127.0.0.1:5000/query",
		Timeout:  10 * time.Second,
	}
}

// Answer is the backend's reply. An empty Text means the backend had nothing to say.
type Answer struct {
	Text string
}

type queryRequest struct {
	Question string `json:"question"`
	Phone    string `json:"phone"`
}

type queryResponse struct {
	Answer string `json:"answer"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, ErrEndpointRequired
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("backend: endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if strings.TrimSpace(cfg.HealthURL) == "" {
		cfg.HealthURL = originOf(cfg.Endpoint)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

// Ask posts question on behalf of phone and returns the backend's answer.
func (c *Client) Ask(ctx context.Context, question, phone string) (Answer, error) {
	body, err := json.Marshal(queryRequest{Question: question, Phone: phone})
	if err != nil {
		return Answer{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Answer{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("backend: query: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Answer{}, fmt.Errorf("backend: read response: %w", err)
	}
	log.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("phone", phone).
		Msg("backend.Client.Ask")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Answer{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 256)}
	}

	var out queryResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Answer{}, fmt.Errorf("backend: decode response: %w", err)
		}
	}
	return Answer{Text: out.Answer}, nil
}

// Health reports whether the backend answers on its health URL.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func originOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Scheme + "://" + u.Host + "/"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
