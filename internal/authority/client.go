// Package authority talks to the remote canvas over HTTP: budget queries,
// batch writes and credential caching.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultCredentialTTL = 2 * time.Minute
)

// Options configure a Client.
type Options struct {
	BaseURL string

	// SessionCookie, if set, is sent as the "j" cookie on every request.
	SessionCookie string

	// CredentialTTL bounds how long a token is reused. Zero selects the default.
	CredentialTTL time.Duration

	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// Client implements the paint authority contract over HTTP.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	cookie string
	ttl    time.Duration
	clock  clockwork.Clock

	mu   sync.Mutex
	cred *canvas.Credential
}

// New creates a client.
func New(opts Options, tokens TokenSource) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("authority base URL is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = DefaultCredentialTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		http:   opts.HTTPClient,
		tokens: tokens,
		cookie: opts.SessionCookie,
		ttl:    opts.CredentialTTL,
		clock:  opts.Clock,
	}, nil
}

// EnsureCredential returns the cached credential while it is younger than
// the TTL, otherwise asks the token source for a new one.
func (c *Client) EnsureCredential(ctx context.Context, forceRefresh bool) (*canvas.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.cred != nil && c.clock.Since(c.cred.ObtainedAt) < c.ttl {
		return c.cred, nil
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.cred = nil
		return nil, fmt.Errorf("failed to obtain credential: %w", err)
	}

	c.cred = &canvas.Credential{Token: token, ObtainedAt: c.clock.Now()}
	logger := logging.Component("authority")
	logger.Debug().Bool("forced", forceRefresh).Msg("credential obtained")
	return c.cred, nil
}

// invalidate drops the cached credential if it is still cred.
func (c *Client) invalidate(cred *canvas.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == cred {
		c.cred = nil
	}
}

type submitRequest struct {
	Colors []int  `json:"colors"`
	Coords []int  `json:"coords"`
	Token  string `json:"t"`
}

type submitResponse struct {
	Painted int `json:"painted"`
}

// SubmitBatch writes pixels to one tile. 401 and 403 answers are reported
// as canvas.ErrAuthRejected and invalidate the credential.
func (c *Client) SubmitBatch(ctx context.Context, tile canvas.TileKey, pixels []canvas.DamagedPixel, cred *canvas.Credential) (canvas.SubmitResult, error) {
	if cred == nil {
		return canvas.SubmitResult{}, fmt.Errorf("%w: no credential", canvas.ErrAuthRejected)
	}

	req := submitRequest{
		Colors: make([]int, 0, len(pixels)),
		Coords: make([]int, 0, len(pixels)*2),
		Token:  cred.Token,
	}
	for _, px := range pixels {
		req.Colors = append(req.Colors, px.Expected)
		req.Coords = append(req.Coords, px.PixelX, px.PixelY)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return canvas.SubmitResult{}, fmt.Errorf("failed to marshal batch: %w", err)
	}

	url := fmt.Sprintf("%s/s0/pixel/%d/%d", c.base, tile.X, tile.Y)
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, url, body, &resp); err != nil {
		if errors.Is(err, canvas.ErrAuthRejected) {
			c.invalidate(cred)
		}
		return canvas.SubmitResult{}, err
	}

	return canvas.SubmitResult{Painted: resp.Painted, Total: len(pixels)}, nil
}

type meResponse struct {
	Charges struct {
		Count      float64 `json:"count"`
		Max        float64 `json:"max"`
		CooldownMs float64 `json:"cooldownMs"`
	} `json:"charges"`
}

// Budget reports the account's write budget. Fractional charges are
// rounded down.
func (c *Client) Budget(ctx context.Context) (canvas.BudgetState, error) {
	var resp meResponse
	if err := c.do(ctx, http.MethodGet, c.base+"/me", nil, &resp); err != nil {
		return canvas.BudgetState{}, err
	}

	return canvas.BudgetState{
		Count:    int(math.Floor(resp.Charges.Count)),
		Max:      int(math.Floor(resp.Charges.Max)),
		Cooldown: time.Duration(resp.Charges.CooldownMs) * time.Millisecond,
	}, nil
}

// statusError is a non-2xx answer.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("authority returned %d", e.Status)
	}
	return fmt.Sprintf("authority returned %d: %s", e.Status, e.Body)
}

// authError wraps a 401/403 so callers can match canvas.ErrAuthRejected.
type authError struct {
	*statusError
}

func (e *authError) Unwrap() error {
	return canvas.ErrAuthRejected
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: "j", Value: c.cookie})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &authError{&statusError{Status: resp.StatusCode, Body: snippet(data)}}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{Status: resp.StatusCode, Body: snippet(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
