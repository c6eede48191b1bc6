package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/types"
)

// loginMessage is the exact text wallets sign. The timestamp bound keeps a
// captured signature from being replayed later.
func loginMessage(wallet string, timestamp int64) string {
	return fmt.Sprintf("decloud-login:%s:%d", strings.ToLower(wallet), timestamp)
}

// TokenPair is the result of a successful login or refresh
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

// Service authenticates tenants. Login proves wallet ownership with a signed
// timestamped message; subsequent requests carry a short-lived JWT, a rotating
// opaque refresh token, or a long-lived API key.
type Service struct {
	cfg *config.AuthConfig
	gw  *gateway.Gateway

	mu      sync.Mutex
	refresh map[string]*refreshEntry // SHA-256 of token -> entry
}

// New creates the auth service. With no configured JWT secret a random one
// is generated, which invalidates outstanding tokens on restart.
func New(cfg *config.AuthConfig, gw *gateway.Gateway) *Service {
	if cfg.JwtSecret == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err == nil {
			cfg.JwtSecret = hex.EncodeToString(raw)
			log.WithComponent("auth").Warn().Msg("no jwt secret configured, generated an ephemeral one")
		}
	}
	return &Service{
		cfg:     cfg,
		gw:      gw,
		refresh: make(map[string]*refreshEntry),
	}
}

// Login verifies a wallet signature over the login message and issues a token
// pair. First login creates the tenant record.
func (s *Service) Login(wallet, timestamp, signature string) (*TokenPair, error) {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	drift := time.Since(time.Unix(ts, 0))
	if drift > s.cfg.TimestampSkew || drift < -s.cfg.TimestampSkew {
		return nil, fmt.Errorf("login timestamp outside acceptable window")
	}

	recovered, err := recoverSigner(loginMessage(wallet, ts), signature)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(recovered.Hex(), wallet) {
		return nil, fmt.Errorf("signature does not match wallet")
	}

	user, err := s.getOrCreateUser(wallet)
	if err != nil {
		return nil, err
	}
	if user.Suspended {
		return nil, fmt.Errorf("account suspended")
	}

	return s.issuePair(user.ID)
}

// Refresh rotates a refresh token into a new token pair. The presented token
// is invalidated whether or not it was still valid.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	hash := hashToken(refreshToken)

	s.mu.Lock()
	entry, ok := s.refresh[hash]
	delete(s.refresh, hash)
	s.mu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, fmt.Errorf("refresh token invalid or expired")
	}
	return s.issuePair(entry.userID)
}

// ValidateAccessToken returns the user ID the JWT was issued to
func (s *Service) ValidateAccessToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid access token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid access token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("access token missing subject")
	}
	return sub, nil
}

// CreateAPIKey mints a new key for the user and returns the raw key once.
// Only the prefix and hash are stored.
func (s *Service) CreateAPIKey(userID, label string) (string, error) {
	user, err := s.gw.GetUser(userID)
	if err != nil {
		return "", err
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key := "dc_" + base64.RawURLEncoding.EncodeToString(raw)

	user.APIKeys = append(user.APIKeys, &types.APIKey{
		Prefix:    key[:8],
		Hash:      hashToken(key),
		Label:     label,
		CreatedAt: time.Now(),
	})
	if err := s.gw.SaveUser(user); err != nil {
		return "", err
	}

	log.WithComponent("auth").Info().
		Str("user", userID).
		Str("prefix", key[:8]).
		Msg("api key created")
	return key, nil
}

// ValidateAPIKey resolves a raw API key to its owning user
func (s *Service) ValidateAPIKey(key string) (*types.User, error) {
	if len(key) < 8 || !strings.HasPrefix(key, "dc_") {
		return nil, fmt.Errorf("malformed api key")
	}
	prefix := key[:8]
	hash := hashToken(key)

	for _, user := range s.gw.ListUsers() {
		for _, k := range user.APIKeys {
			if k.Prefix != prefix {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(k.Hash), []byte(hash)) == 1 {
				if user.Suspended {
					return nil, fmt.Errorf("account suspended")
				}
				k.LastUsedAt = time.Now()
				if err := s.gw.SaveUser(user); err != nil {
					log.Errorf("failed to record api key use", err)
				}
				return user, nil
			}
		}
	}
	return nil, fmt.Errorf("unknown api key")
}

// RevokeAPIKey removes the key with the given prefix from the user
func (s *Service) RevokeAPIKey(userID, prefix string) error {
	user, err := s.gw.GetUser(userID)
	if err != nil {
		return err
	}
	kept := user.APIKeys[:0]
	found := false
	for _, k := range user.APIKeys {
		if k.Prefix == prefix {
			found = true
			continue
		}
		kept = append(kept, k)
	}
	if !found {
		return fmt.Errorf("api key not found: %s", prefix)
	}
	user.APIKeys = kept
	return s.gw.SaveUser(user)
}

func (s *Service) issuePair(userID string) (*TokenPair, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTokenTTL)
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": expiresAt.Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JwtSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	refreshToken := base64.RawURLEncoding.EncodeToString(raw)

	s.mu.Lock()
	s.refresh[hashToken(refreshToken)] = &refreshEntry{
		userID:    userID,
		expiresAt: time.Now().Add(s.cfg.RefreshTokenTTL),
	}
	s.sweepLocked()
	s.mu.Unlock()

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// sweepLocked drops expired refresh entries. Called with s.mu held; issuance
// is rare enough that inline sweeping beats another goroutine.
func (s *Service) sweepLocked() {
	now := time.Now()
	for hash, entry := range s.refresh {
		if now.After(entry.expiresAt) {
			delete(s.refresh, hash)
		}
	}
}

func (s *Service) getOrCreateUser(wallet string) (*types.User, error) {
	id := common.HexToAddress(wallet).Hex()
	if user, err := s.gw.GetUser(id); err == nil {
		return user, nil
	}

	user := &types.User{
		ID:            id,
		WalletAddress: id,
		QuotaVms:      s.cfg.DefaultQuotaVms,
		CreatedAt:     time.Now(),
	}
	if err := s.gw.SaveUser(user); err != nil {
		return nil, err
	}
	log.WithComponent("auth").Info().Str("user", id).Msg("tenant created on first login")
	return user, nil
}

// recoverSigner recovers the address behind an EIP-191 personal_sign
// signature over msg.
func recoverSigner(msg, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	// Wallets emit V as 27/28; go-ethereum wants 0/1
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
