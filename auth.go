package securefetch

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// AuthConfig configures bearer-token management.
type AuthConfig struct {
	// RefreshURL is the endpoint the default refresher posts to.
	RefreshURL string `yaml:"refreshURL" env:"REFRESH_URL"`
	// LoginURL is the redirect target emitted when the session ends.
	LoginURL string `yaml:"loginURL" env:"LOGIN_URL"`
	// FailureStatuses trigger one refresh-and-retry cycle.
	FailureStatuses []int `yaml:"failureStatuses" env:"FAILURE_STATUSES, default=401,403"`
	// AccessTTL applies when neither the endpoint nor the token states an expiry.
	AccessTTL time.Duration `yaml:"accessTTL" env:"ACCESS_TTL, default=15m"`
	// RefreshTTL applies to a rotated refresh token without refreshExpiresIn.
	RefreshTTL time.Duration `yaml:"refreshTTL" env:"REFRESH_TTL, default=168h"`
}

// DefaultAuthConfig returns the default auth configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		FailureStatuses: []int{http.StatusUnauthorized, http.StatusForbidden},
		AccessTTL:       15 * time.Minute,
		RefreshTTL:      7 * 24 * time.Hour,
	}
}

// AuthExpiredEvent is delivered to OnAuthExpired subscribers after the
// stored credentials have been cleared.
type AuthExpiredEvent struct {
	Reason         error
	RedirectTarget string
}

// AuthorizedFunc performs a request with the given authorization headers.
type AuthorizedFunc func(ctx context.Context, header http.Header) (*Response, error)

// Authenticator attaches bearer tokens to requests and refreshes them when
// they expire or are rejected. Concurrent refreshes are coalesced.
type Authenticator struct {
	tokens    *TokenStore
	refresher Refresher
	config    AuthConfig
	group     singleflight.Group
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *MetricsCollector

	mu          sync.RWMutex
	subscribers []func(AuthExpiredEvent)
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithAuthLogger sets the authenticator's logger.
func WithAuthLogger(logger zerolog.Logger) AuthOption {
	return func(a *Authenticator) { a.logger = logger }
}

// WithAuthMetrics records refresh outcomes on collector.
func WithAuthMetrics(collector *MetricsCollector) AuthOption {
	return func(a *Authenticator) { a.metrics = collector }
}

// WithAuthClock injects the clock used for JWT expiry fallback.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator creates an authenticator over tokens. Zero fields of
// config take their defaults.
func NewAuthenticator(tokens *TokenStore, refresher Refresher, config AuthConfig, opts ...AuthOption) *Authenticator {
	defaults := DefaultAuthConfig()
	if len(config.FailureStatuses) == 0 {
		config.FailureStatuses = defaults.FailureStatuses
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = defaults.AccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = defaults.RefreshTTL
	}

	a := &Authenticator{
		tokens:    tokens,
		refresher: refresher,
		config:    config,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnAuthExpired subscribes fn to session-expiry events.
func (a *Authenticator) OnAuthExpired(fn func(AuthExpiredEvent)) {
	a.mu.Lock()
	a.subscribers = append(a.subscribers, fn)
	a.mu.Unlock()
}

// Tokens returns the underlying token store.
func (a *Authenticator) Tokens() *TokenStore {
	return a.tokens
}

// Do runs fn with a valid bearer token. A response whose status is one of
// the failure statuses triggers exactly one refresh and retry; a second
// rejection ends the session.
func (a *Authenticator) Do(ctx context.Context, fn AuthorizedFunc) (*Response, error) {
	access, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := fn(ctx, bearerHeader(access))
	if err != nil || !a.isAuthFailure(resp) {
		return resp, err
	}

	a.logger.Debug().Int("status", resp.Status).Msg("request rejected, refreshing token")
	access, err = a.refresh(ctx, access)
	if err != nil {
		return nil, err
	}

	resp, err = fn(ctx, bearerHeader(access))
	if err != nil || !a.isAuthFailure(resp) {
		return resp, err
	}
	return nil, a.expire(ctx, ErrSessionExpired, "request rejected after token refresh")
}

// accessToken returns a usable access token, refreshing when it is absent
// or expired.
func (a *Authenticator) accessToken(ctx context.Context) (string, error) {
	access, hasAccess := a.tokens.AccessToken(ctx)
	_, hasRefresh := a.tokens.RefreshToken(ctx)

	if !hasAccess && !hasRefresh {
		return "", a.expire(ctx, ErrAuthUnavailable, "no access or refresh token")
	}
	if hasRefresh && a.tokens.IsRefreshTokenExpired(ctx) {
		return "", a.expire(ctx, ErrRefreshExpired, "refresh token expired")
	}
	if hasAccess && !a.tokens.IsAccessTokenExpired(ctx) {
		return access, nil
	}
	if !hasRefresh {
		return "", a.expire(ctx, ErrAuthUnavailable, "access token expired and no refresh token")
	}
	return a.refresh(ctx, access)
}

// refresh obtains a new access token. Callers arriving while a refresh is
// running share its result; a caller holding a token older than the stored
// one gets the stored one without another round trip.
func (a *Authenticator) refresh(ctx context.Context, stale string) (string, error) {
	v, err, _ := a.group.Do("refresh", func() (any, error) {
		if current, ok := a.tokens.AccessToken(ctx); ok && current != stale && !a.tokens.IsAccessTokenExpired(ctx) {
			return current, nil
		}
		return a.performRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Authenticator) performRefresh(ctx context.Context) (string, error) {
	refreshToken, err := a.tokens.LoadRefreshToken(ctx)
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "", a.expire(ctx, ErrAuthUnavailable, "no refresh token")
	case err != nil:
		return "", a.expire(ctx, errors.Join(ErrRefreshFailed, err), "refresh token unavailable")
	}
	if a.tokens.IsRefreshTokenExpired(ctx) {
		return "", a.expire(ctx, ErrRefreshExpired, "refresh token expired")
	}
	if a.refresher == nil {
		return "", a.expire(ctx, ErrRefreshFailed, "no refresher configured")
	}

	result, err := a.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		a.metrics.RecordTokenRefresh("failure")
		if ctx.Err() != nil {
			return "", &ClientError{Type: ErrorTypeCanceled, Message: "token refresh canceled", Cause: ctx.Err(), Timestamp: time.Now()}
		}
		a.logger.Warn().Err(err).Msg("token refresh failed")
		return "", a.expire(ctx, errors.Join(ErrRefreshFailed, err), "token refresh failed")
	}

	set := TokenSet{
		Access:    result.AccessToken,
		AccessTTL: accessTTL(result, a.now(), a.config.AccessTTL),
	}
	if result.RefreshToken != "" {
		set.Refresh = result.RefreshToken
		set.RefreshTTL = result.RefreshExpiresIn
		if set.RefreshTTL <= 0 {
			set.RefreshTTL = a.config.RefreshTTL
		}
	}
	if err := a.tokens.SetTokens(ctx, set); err != nil {
		a.metrics.RecordTokenRefresh("failure")
		return "", a.expire(ctx, errors.Join(ErrRefreshFailed, err), "cannot store refreshed tokens")
	}

	a.metrics.RecordTokenRefresh("success")
	a.logger.Debug().Bool("rotated", result.RefreshToken != "").Dur("access_ttl", set.AccessTTL).Msg("token refreshed")
	return result.AccessToken, nil
}

// expire clears credentials, notifies subscribers and returns the terminal
// AuthError.
func (a *Authenticator) expire(ctx context.Context, cause error, message string) error {
	authErr := newAuthError(message, cause)

	if err := a.tokens.Logout(context.WithoutCancel(ctx), a.config.LoginURL); err != nil {
		a.logger.Warn().Err(err).Msg("failed to clear credentials")
	}
	a.logger.Info().Err(cause).Str("redirect", a.config.LoginURL).Msg("session expired")

	a.mu.RLock()
	subscribers := slices.Clone(a.subscribers)
	a.mu.RUnlock()

	event := AuthExpiredEvent{Reason: authErr, RedirectTarget: a.config.LoginURL}
	for _, fn := range subscribers {
		fn(event)
	}
	return authErr
}

func (a *Authenticator) isAuthFailure(resp *Response) bool {
	return resp != nil && slices.Contains(a.config.FailureStatuses, resp.Status)
}

func bearerHeader(token string) http.Header {
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	return header
}

// TokenSource exposes the managed access token as an oauth2.TokenSource.
// Each Token call returns a valid token, refreshing when needed.
func (a *Authenticator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &authTokenSource{ctx: ctx, auth: a}
}

type authTokenSource struct {
	ctx  context.Context
	auth *Authenticator
}

func (s *authTokenSource) Token() (*oauth2.Token, error) {
	access, err := s.auth.accessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if exp, ok := s.auth.tokens.AccessTokenExpiry(s.ctx); ok {
		token.Expiry = exp
	}
	return token, nil
}

// authLayer is the Executor decorator that runs requests through an
// Authenticator. Terminal auth failures surface in Response.Err.
type authLayer struct {
	next Executor
	auth *Authenticator
}

func newAuthLayer(next Executor, auth *Authenticator) *authLayer {
	return &authLayer{next: next, auth: auth}
}

// Execute implements Executor.
func (l *authLayer) Execute(ctx context.Context, req *Request) *Response {
	resp, err := l.auth.Do(ctx, func(ctx context.Context, header http.Header) (*Response, error) {
		authed := req.Clone()
		for name, values := range header {
			authed.Header[name] = values
		}
		return l.next.Execute(ctx, authed), nil
	})
	if err != nil {
		// The error may be shared by coalesced callers; annotate a copy.
		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			annotated := *clientErr
			annotated.RequestID = req.ID()
			annotated.Method = req.Method
			annotated.URL = req.URL
			annotated.Endpoint = endpointOf(req.URL)
			err = &annotated
		}
		return failureResponse(0, nil, nil, err)
	}
	return resp
}
