// Package hume exchanges service credentials for short-lived EVI access tokens.
package hume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTokenURL  = "https://api.hume.ai/oauth2-cc/token"
	defaultExpiresIn = 600
)

var (
	ErrNotConfigured = errors.New("Hume API credentials not configured")
	// ErrVendor is wrapped by both vendor failure kinds below.
	ErrVendor      = errors.New("hume vendor failure")
	ErrUnreachable = errors.New("Error communicating with Hume API")
	ErrRejected    = errors.New("Failed to obtain Hume access token")
)

type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	ConfigID    string `json:"config_id,omitempty"`
}

// TokenSource is what handlers depend on.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

type HTTPClient struct {
	http      *http.Client
	apiKey    string
	secretKey string
	configID  string
	tokenURL  string
}

func NewClient(apiKey, secretKey, configID, tokenURL string) *HTTPClient {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &HTTPClient{
		http:      &http.Client{Timeout: 15 * time.Second},
		apiKey:    apiKey,
		secretKey: secretKey,
		configID:  configID,
		tokenURL:  tokenURL,
	}
}

func (c *HTTPClient) Configured() bool {
	return c.apiKey != "" && c.secretKey != ""
}

func (c *HTTPClient) Token(ctx context.Context) (Token, error) {
	if !c.Configured() {
		tokenRequests.WithLabelValues("unconfigured").Inc()
		return Token{}, ErrNotConfigured
	}
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w: %v", ErrVendor, ErrUnreachable, err)
	}
	req.SetBasicAuth(c.apiKey, c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		tokenRequests.WithLabelValues("unreachable").Inc()
		return Token{}, fmt.Errorf("%w: %w: %v", ErrVendor, ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tokenRequests.WithLabelValues("rejected").Inc()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("%w: %w: %s: %s", ErrVendor, ErrRejected, resp.Status, string(b))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   *int   `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		tokenRequests.WithLabelValues("rejected").Inc()
		return Token{}, fmt.Errorf("%w: %w: decode: %v", ErrVendor, ErrRejected, err)
	}
	if parsed.AccessToken == "" {
		tokenRequests.WithLabelValues("rejected").Inc()
		return Token{}, fmt.Errorf("%w: %w: empty access_token", ErrVendor, ErrRejected)
	}
	tok := Token{AccessToken: parsed.AccessToken, ExpiresIn: defaultExpiresIn, ConfigID: c.configID}
	if parsed.ExpiresIn != nil {
		tok.ExpiresIn = *parsed.ExpiresIn
	}
	tokenRequests.WithLabelValues("ok").Inc()
	return tok, nil
}

// Detail returns the client-facing message for a token error.
func Detail(err error) string {
	switch {
	case errors.Is(err, ErrNotConfigured):
		return ErrNotConfigured.Error()
	case errors.Is(err, ErrUnreachable):
		return ErrUnreachable.Error()
	default:
		return ErrRejected.Error()
	}
}
