package securefetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshResult is the outcome of a successful token refresh. A zero
// RefreshToken means the endpoint did not rotate the refresh token.
type RefreshResult struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        time.Duration
	RefreshExpiresIn time.Duration
}

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, refreshToken string) (*RefreshResult, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	return f(ctx, refreshToken)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	ExpiresIn        int64  `json:"expiresIn,omitempty"`
	RefreshExpiresIn int64  `json:"refreshExpiresIn,omitempty"`
}

// HTTPRefresher posts the refresh token as JSON to URL through the
// transport. Any non-2xx status or malformed body is a refresh failure.
type HTTPRefresher struct {
	URL         string
	Transport   Transport
	Credentials CredentialsMode
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if r.Transport == nil {
		return nil, ErrMissingTransport
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encode refresh request: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")

	resp, err := r.Transport.Perform(ctx, &TransportRequest{
		Method:      http.MethodPost,
		URL:         r.URL,
		Header:      header,
		Body:        body,
		Credentials: r.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var decoded refreshResponse
	if err := json.Unmarshal(bytes.TrimSpace(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	if decoded.AccessToken == "" {
		return nil, errors.New("refresh response is missing accessToken")
	}

	return &RefreshResult{
		AccessToken:      decoded.AccessToken,
		RefreshToken:     decoded.RefreshToken,
		ExpiresIn:        time.Duration(decoded.ExpiresIn) * time.Second,
		RefreshExpiresIn: time.Duration(decoded.RefreshExpiresIn) * time.Second,
	}, nil
}

// jwtExpiry reads the exp claim of token without verifying its signature.
// ok is false when token is not a JWT or carries no exp.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// accessTTL picks the lifetime of a refreshed access token: the endpoint's
// expiresIn, else the token's own exp claim, else fallback.
func accessTTL(result *RefreshResult, now time.Time, fallback time.Duration) time.Duration {
	if result.ExpiresIn > 0 {
		return result.ExpiresIn
	}
	if exp, ok := jwtExpiry(result.AccessToken); ok {
		if ttl := exp.Sub(now); ttl > 0 {
			return ttl
		}
		// Already expired by its own claim; store it as immediately stale.
		return time.Nanosecond
	}
	return fallback
}
