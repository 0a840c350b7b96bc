package securefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Token kinds, also bound as associated data when sealing.
const (
	tokenKindAccess  = "access"
	tokenKindRefresh = "refresh"
)

// TokenSet is the input to SetTokens. A zero TTL stores the token without
// expiry. An empty Refresh leaves any stored refresh token untouched.
type TokenSet struct {
	Access     string
	Refresh    string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Navigator is invoked by Logout with the redirect target.
type Navigator func(ctx context.Context, target string)

// tokenRecord is the persisted form of a sealed token. ExpiresAt holds epoch
// milliseconds, or null for a token that never expires.
type tokenRecord struct {
	IV         []byte          `json:"iv"`
	Ciphertext []byte          `json:"ciphertext"`
	ExpiresAt  json.RawMessage `json:"expiresAt"`
}

// TokenStore keeps access and refresh tokens encrypted in a KeyValueStore.
// It is safe for concurrent use.
type TokenStore struct {
	mu         sync.RWMutex
	store      KeyValueStore
	cipher     TokenCipher
	derivation KeyDerivation
	prefix     string
	now        func() time.Time
	navigator  Navigator
	onLogout   []func(context.Context)
	logger     zerolog.Logger
}

// TokenStoreOption configures a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithTokenClock injects the clock used for expiry computation.
func WithTokenClock(now func() time.Time) TokenStoreOption {
	return func(s *TokenStore) { s.now = now }
}

// WithNavigator sets the callback Logout uses to signal a redirect.
func WithNavigator(nav Navigator) TokenStoreOption {
	return func(s *TokenStore) { s.navigator = nav }
}

// WithKeyDerivation overrides the PBKDF2 salt and iteration count.
func WithKeyDerivation(params KeyDerivation) TokenStoreOption {
	return func(s *TokenStore) { s.derivation = params }
}

// WithTokenCipher installs a ready cipher instead of deriving one in
// ConfigureKey.
func WithTokenCipher(cipher TokenCipher) TokenStoreOption {
	return func(s *TokenStore) { s.cipher = cipher }
}

// WithTokenLogger sets the logger for non-fatal read failures.
func WithTokenLogger(logger zerolog.Logger) TokenStoreOption {
	return func(s *TokenStore) { s.logger = logger }
}

// WithTokenKeyPrefix namespaces the persisted record keys.
func WithTokenKeyPrefix(prefix string) TokenStoreOption {
	return func(s *TokenStore) { s.prefix = prefix }
}

// NewTokenStore creates a TokenStore over store. ConfigureKey must be called
// before tokens can be written or read, unless WithTokenCipher was given.
func NewTokenStore(store KeyValueStore, opts ...TokenStoreOption) *TokenStore {
	s := &TokenStore{
		store:      store,
		derivation: DefaultKeyDerivation(),
		prefix:     "securefetch:",
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConfigureKey derives the encryption key from secret. Secrets shorter than
// MinSecretLength fail with a ConfigurationError wrapping ErrWeakKey.
func (s *TokenStore) ConfigureKey(secret string) error {
	if len(secret) < MinSecretLength {
		return newConfigurationError(
			fmt.Sprintf("secret key must be at least %d characters", MinSecretLength), ErrWeakKey)
	}
	cipher, err := NewPBKDF2Cipher(secret, s.derivation)
	if err != nil {
		return newConfigurationError("cannot derive token key", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipher != nil {
		s.cipher.Destroy()
	}
	s.cipher = cipher
	return nil
}

// HasKey reports whether a key is configured.
func (s *TokenStore) HasKey() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher != nil
}

func (s *TokenStore) recordKey(kind string) string {
	return s.prefix + kind + "_token"
}

// SetTokens seals and persists the tokens in set. Any sealing or persistence
// failure is returned; nothing is written for a token that fails to seal.
func (s *TokenStore) SetTokens(ctx context.Context, set TokenSet) error {
	if set.Access == "" {
		return errors.New("access token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(ctx, tokenKindAccess, set.Access, set.AccessTTL); err != nil {
		return err
	}
	if set.Refresh != "" {
		if err := s.writeLocked(ctx, tokenKindRefresh, set.Refresh, set.RefreshTTL); err != nil {
			return err
		}
	}
	return nil
}

// SetAccessToken replaces only the access token.
func (s *TokenStore) SetAccessToken(ctx context.Context, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, tokenKindAccess, token, ttl)
}

func (s *TokenStore) writeLocked(ctx context.Context, kind, token string, ttl time.Duration) error {
	if s.cipher == nil {
		return ErrKeyNotConfigured
	}

	plaintext := []byte(token)
	sealed, err := s.cipher.Seal(plaintext, []byte(kind))
	clear(plaintext)
	if err != nil {
		return fmt.Errorf("seal %s token: %w", kind, err)
	}

	expiresAt := json.RawMessage("null")
	if ttl > 0 {
		expiresAt, err = json.Marshal(s.now().Add(ttl).UnixMilli())
		if err != nil {
			return fmt.Errorf("encode %s token expiry: %w", kind, err)
		}
	}

	data, err := json.Marshal(tokenRecord{
		IV:         sealed.IV,
		Ciphertext: sealed.Ciphertext,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode %s token: %w", kind, err)
	}
	if err := s.store.SetItem(ctx, s.recordKey(kind), string(data)); err != nil {
		return fmt.Errorf("persist %s token: %w", kind, err)
	}
	return nil
}

// AccessToken returns the decrypted access token. Absent and corrupt
// records both report false.
func (s *TokenStore) AccessToken(ctx context.Context) (string, bool) {
	return s.lenient(ctx, tokenKindAccess)
}

// RefreshToken returns the decrypted refresh token. Absent and corrupt
// records both report false.
func (s *TokenStore) RefreshToken(ctx context.Context) (string, bool) {
	return s.lenient(ctx, tokenKindRefresh)
}

// LoadAccessToken returns the access token, ErrTokenNotFound when none is
// stored or ErrTokenCorrupt when the record cannot be opened.
func (s *TokenStore) LoadAccessToken(ctx context.Context) (string, error) {
	return s.load(ctx, tokenKindAccess)
}

// LoadRefreshToken is LoadAccessToken for the refresh token.
func (s *TokenStore) LoadRefreshToken(ctx context.Context) (string, error) {
	return s.load(ctx, tokenKindRefresh)
}

func (s *TokenStore) lenient(ctx context.Context, kind string) (string, bool) {
	token, err := s.load(ctx, kind)
	if err != nil {
		if !errors.Is(err, ErrTokenNotFound) {
			s.logger.Warn().Err(err).Str("token", kind).Msg("stored token unreadable")
		}
		return "", false
	}
	return token, true
}

func (s *TokenStore) load(ctx context.Context, kind string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, found, err := s.readRecord(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenCorrupt, err)
	}
	if !found {
		return "", ErrTokenNotFound
	}
	if s.cipher == nil {
		return "", fmt.Errorf("%w: %w", ErrTokenCorrupt, ErrKeyNotConfigured)
	}

	plaintext, err := s.cipher.Open(Sealed{IV: record.IV, Ciphertext: record.Ciphertext}, []byte(kind))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenCorrupt, err)
	}
	token := string(plaintext)
	clear(plaintext)
	return token, nil
}

func (s *TokenStore) readRecord(ctx context.Context, kind string) (*tokenRecord, bool, error) {
	raw, ok, err := s.store.GetItem(ctx, s.recordKey(kind))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var record tokenRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, true, fmt.Errorf("decode %s token record: %w", kind, err)
	}
	return &record, true, nil
}

// expiry reports the stored expiry for kind. never is true for a record
// stored without expiry. ok is false when no readable expiry exists.
func (s *TokenStore) expiry(ctx context.Context, kind string) (at time.Time, never bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, found, err := s.readRecord(ctx, kind)
	if err != nil || !found {
		return time.Time{}, false, false
	}
	if len(record.ExpiresAt) == 0 || string(record.ExpiresAt) == "null" {
		return time.Time{}, true, true
	}
	var ms int64
	if err := json.Unmarshal(record.ExpiresAt, &ms); err != nil || ms <= 0 {
		return time.Time{}, false, false
	}
	return time.UnixMilli(ms), false, true
}

func (s *TokenStore) isExpired(ctx context.Context, kind string) bool {
	at, never, ok := s.expiry(ctx, kind)
	if !ok {
		return true
	}
	if never {
		return false
	}
	return s.now().After(at)
}

// IsAccessTokenExpired compares the stored access expiry with the clock. A
// token stored without expiry never expires; a missing record or an
// unreadable expiry counts as expired.
func (s *TokenStore) IsAccessTokenExpired(ctx context.Context) bool {
	return s.isExpired(ctx, tokenKindAccess)
}

// IsRefreshTokenExpired is IsAccessTokenExpired for the refresh token.
func (s *TokenStore) IsRefreshTokenExpired(ctx context.Context) bool {
	return s.isExpired(ctx, tokenKindRefresh)
}

// AccessTokenExpiry returns the stored access expiry. The zero time is
// returned for tokens without expiry; ok is false when none is readable.
func (s *TokenStore) AccessTokenExpiry(ctx context.Context) (time.Time, bool) {
	at, never, ok := s.expiry(ctx, tokenKindAccess)
	if never {
		return time.Time{}, true
	}
	return at, ok
}

// RefreshTokenExpiry is AccessTokenExpiry for the refresh token.
func (s *TokenStore) RefreshTokenExpiry(ctx context.Context) (time.Time, bool) {
	at, never, ok := s.expiry(ctx, tokenKindRefresh)
	if never {
		return time.Time{}, true
	}
	return at, ok
}

// OnLogout registers fn to run on every Logout, after the records are
// removed and before navigation.
func (s *TokenStore) OnLogout(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

// Logout removes both token records, scrubs the key, runs the OnLogout
// callbacks and, when target is non-empty, signals navigation to it.
func (s *TokenStore) Logout(ctx context.Context, target string) error {
	s.mu.Lock()
	errAccess := s.store.RemoveItem(ctx, s.recordKey(tokenKindAccess))
	errRefresh := s.store.RemoveItem(ctx, s.recordKey(tokenKindRefresh))
	if s.cipher != nil {
		s.cipher.Destroy()
		s.cipher = nil
	}
	nav := s.navigator
	callbacks := slices.Clone(s.onLogout)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(ctx)
	}
	if target != "" && nav != nil {
		nav(ctx, target)
	}
	return errors.Join(errAccess, errRefresh)
}
