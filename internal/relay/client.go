package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Retry and backoff constants.
const (
	maxRetries     = 4
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "cloudauth-go/0.1"
)

// Relay endpoint paths.
const (
	exchangePath = "/exchange"
	refreshPath  = "/refresh"
	revokePath   = "/revoke"
)

// TokenGrant is the relay's JSON response for exchange and refresh.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Token converts the wire grant into an oauth2.Token. A missing
// expires_in yields a zero Expiry, meaning unknown lifetime.
func (g *TokenGrant) Token(now time.Time) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		TokenType:    "Bearer",
	}

	if g.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(g.ExpiresIn) * time.Second)
	}

	return tok
}

// Client talks to the remote token-exchange relay. It retries network
// errors and 429/5xx responses with exponential backoff and jitter;
// 4xx rejections are returned immediately as typed errors.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to
	// timeSleep. Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a relay client. baseURL is the relay's root URL
// (e.g. "https://relay.example.com/v1").
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Exchange trades an authorization code (plus the state the relay keyed
// the pending exchange on) for tokens. No client secret ever leaves the
// relay.
func (c *Client) Exchange(ctx context.Context, code, state string) (*TokenGrant, error) {
	return c.grantRequest(ctx, exchangePath, map[string]string{
		"code":  code,
		"state": state,
	}, ErrExchangeFailed)
}

// Refresh trades a refresh token for a fresh access token. The relay
// may rotate the refresh token; callers must persist a returned one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	return c.grantRequest(ctx, refreshPath, map[string]string{
		"refresh_token": refreshToken,
	}, ErrRefreshFailed)
}

// Revoke invalidates a token at the provider, via the relay. Any 2xx
// means revoked.
func (c *Client) Revoke(ctx context.Context, token string) error {
	resp, err := c.post(ctx, revokePath, map[string]string{"token": token})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	return c.errorFrom(resp, ErrRevokeFailed)
}

// grantRequest posts a JSON body and decodes a TokenGrant response.
func (c *Client) grantRequest(ctx context.Context, path string, body map[string]string, sentinel error) (*TokenGrant, error) {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.errorFrom(resp, sentinel)
	}

	var grant TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("relay: decoding response: %w", err)
	}

	if grant.AccessToken == "" {
		return nil, &Error{
			StatusCode:  resp.StatusCode,
			Description: "response missing access_token",
			Err:         sentinel,
		}
	}

	return &grant, nil
}

// post executes a retried POST. A returned response is either 2xx or a
// non-retryable (or retry-exhausted) failure for the caller to classify.
func (c *Client) post(ctx context.Context, path string, body map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("relay: encoding request: %w", err)
	}

	url := c.baseURL + path

	var attempt int
	for {
		resp, err := c.postOnce(ctx, url, payload)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("relay: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("relay: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("relay: POST %s failed after %d retries: %w", path, maxRetries, err)
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)

			// Drain so the connection can be reused.
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			c.logger.Warn("retrying after HTTP error",
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("relay: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return resp, nil
	}
}

func (c *Client) postOnce(ctx context.Context, url string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	return c.httpClient.Do(req)
}

// errorFrom reads an OAuth-style error body into a typed Error.
// The body is consumed; the caller still owns Close.
func (c *Client) errorFrom(resp *http.Response, sentinel error) error {
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if readErr != nil {
		data = []byte("(failed to read response body)")
	}

	var parsed struct {
		ErrorCode   string `json:"error"`
		Description string `json:"error_description"`
	}

	relayErr := &Error{StatusCode: resp.StatusCode, Err: sentinel}

	if jsonErr := json.Unmarshal(data, &parsed); jsonErr == nil && parsed.ErrorCode != "" {
		relayErr.Code = parsed.ErrorCode
		relayErr.Description = parsed.Description
	} else {
		relayErr.Description = string(data)
	}

	return relayErr
}

// isRetryable reports whether the status code should be retried.
func isRetryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// retryBackoff returns the backoff for a retryable response. For 429
// responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is
// canceled. It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
