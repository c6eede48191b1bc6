package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/storage"
	"github.com/decloudhq/decloud/pkg/types"
)

func newTestService(t *testing.T) (*Service, *gateway.Gateway) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw, err := gateway.New(store)
	require.NoError(t, err)

	cfg := config.Default().Auth
	return New(&cfg, gw), gw
}

// testWallet generates a keypair and returns it with its checksummed address
func testWallet(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// signLogin produces the wallet-style personal_sign signature for the login
// message, with V in the 27/28 convention wallets use.
func signLogin(t *testing.T, key *ecdsa.PrivateKey, wallet string, ts int64) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(loginMessage(wallet, ts))), key)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func TestLoginCreatesTenant(t *testing.T) {
	svc, gw := newTestService(t)
	key, wallet := testWallet(t)

	ts := time.Now().Unix()
	pair, err := svc.Login(wallet, strconv.FormatInt(ts, 10), signLogin(t, key, wallet, ts))
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.True(t, pair.ExpiresAt.After(time.Now()))

	userID, err := svc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, wallet, userID)

	user, err := gw.GetUser(wallet)
	require.NoError(t, err)
	assert.Equal(t, wallet, user.WalletAddress)
	assert.Equal(t, svc.cfg.DefaultQuotaVms, user.QuotaVms)

	t.Run("second login reuses the tenant", func(t *testing.T) {
		ts := time.Now().Unix()
		_, err := svc.Login(wallet, strconv.FormatInt(ts, 10), signLogin(t, key, wallet, ts))
		require.NoError(t, err)
		assert.Len(t, gw.ListUsers(), 1)
	})
}

// TestLoginRejections walks the failure paths of the signature handshake
func TestLoginRejections(t *testing.T) {
	svc, gw := newTestService(t)
	key, wallet := testWallet(t)
	stranger, _ := testWallet(t)

	t.Run("signature from another key", func(t *testing.T) {
		ts := time.Now().Unix()
		_, err := svc.Login(wallet, strconv.FormatInt(ts, 10), signLogin(t, stranger, wallet, ts))
		assert.ErrorContains(t, err, "does not match")
	})

	t.Run("replayed stale timestamp", func(t *testing.T) {
		ts := time.Now().Add(-10 * time.Minute).Unix()
		_, err := svc.Login(wallet, strconv.FormatInt(ts, 10), signLogin(t, key, wallet, ts))
		assert.ErrorContains(t, err, "timestamp")
	})

	t.Run("garbage timestamp", func(t *testing.T) {
		_, err := svc.Login(wallet, "yesterday", "0x00")
		assert.Error(t, err)
	})

	t.Run("malformed signature", func(t *testing.T) {
		ts := time.Now().Unix()
		_, err := svc.Login(wallet, strconv.FormatInt(ts, 10), "0xdeadbeef")
		assert.ErrorContains(t, err, "signature")
	})

	t.Run("suspended account", func(t *testing.T) {
		require.NoError(t, gw.SaveUser(&types.User{
			ID:            wallet,
			WalletAddress: wallet,
			Suspended:     true,
		}))
		ts := time.Now().Unix()
		_, err := svc.Login(wallet, strconv.FormatInt(ts, 10), signLogin(t, key, wallet, ts))
		assert.ErrorContains(t, err, "suspended")
	})
}

// TestRefreshRotation verifies refresh tokens are strictly single-use
func TestRefreshRotation(t *testing.T) {
	svc, _ := newTestService(t)
	key, wallet := testWallet(t)

	ts := time.Now().Unix()
	pair, err := svc.Login(wallet, strconv.FormatInt(ts, 10), signLogin(t, key, wallet, ts))
	require.NoError(t, err)

	next, err := svc.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	userID, err := svc.ValidateAccessToken(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, wallet, userID)

	t.Run("spent token is dead", func(t *testing.T) {
		_, err := svc.Refresh(pair.RefreshToken)
		assert.Error(t, err)
	})

	t.Run("made-up token is dead", func(t *testing.T) {
		_, err := svc.Refresh("not-a-token")
		assert.Error(t, err)
	})
}

func TestValidateAccessToken(t *testing.T) {
	svc, _ := newTestService(t)

	t.Run("garbage token", func(t *testing.T) {
		_, err := svc.ValidateAccessToken("not.a.jwt")
		assert.Error(t, err)
	})

	t.Run("token signed with a different secret", func(t *testing.T) {
		otherCfg := config.Default().Auth
		otherCfg.JwtSecret = "completely-different-secret"
		other := New(&otherCfg, svc.gw)

		pair, err := other.issuePair("user-1")
		require.NoError(t, err)
		_, err = svc.ValidateAccessToken(pair.AccessToken)
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		expiredCfg := config.Default().Auth
		expiredCfg.JwtSecret = svc.cfg.JwtSecret
		expiredCfg.AccessTokenTTL = -time.Minute
		expired := New(&expiredCfg, svc.gw)

		pair, err := expired.issuePair("user-1")
		require.NoError(t, err)
		_, err = svc.ValidateAccessToken(pair.AccessToken)
		assert.Error(t, err)
	})
}

// TestAPIKeyLifecycle covers mint, use and revoke of long-lived keys
func TestAPIKeyLifecycle(t *testing.T) {
	svc, gw := newTestService(t)
	require.NoError(t, gw.SaveUser(&types.User{ID: "user-1", WalletAddress: "0xabc"}))

	key, err := svc.CreateAPIKey("user-1", "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "dc_"))

	t.Run("stored form is hashed", func(t *testing.T) {
		user, err := gw.GetUser("user-1")
		require.NoError(t, err)
		require.Len(t, user.APIKeys, 1)
		assert.Equal(t, key[:8], user.APIKeys[0].Prefix)
		assert.NotContains(t, user.APIKeys[0].Hash, key)
	})

	user, err := svc.ValidateAPIKey(key)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)

	t.Run("use is recorded", func(t *testing.T) {
		user, err := gw.GetUser("user-1")
		require.NoError(t, err)
		assert.False(t, user.APIKeys[0].LastUsedAt.IsZero())
	})

	t.Run("malformed keys are rejected cheaply", func(t *testing.T) {
		_, err := svc.ValidateAPIKey("sk_wrong_scheme")
		assert.ErrorContains(t, err, "malformed")
	})

	t.Run("near-miss key is rejected", func(t *testing.T) {
		_, err := svc.ValidateAPIKey(key[:len(key)-1])
		assert.Error(t, err)
	})

	t.Run("unknown user cannot mint", func(t *testing.T) {
		_, err := svc.CreateAPIKey("ghost", "nope")
		assert.Error(t, err)
	})

	require.NoError(t, svc.RevokeAPIKey("user-1", key[:8]))
	_, err = svc.ValidateAPIKey(key)
	assert.Error(t, err, "revoked key no longer validates")

	assert.Error(t, svc.RevokeAPIKey("user-1", "dc_nope1"), "unknown prefix errors")
}

func TestSuspendedUserAPIKey(t *testing.T) {
	svc, gw := newTestService(t)
	require.NoError(t, gw.SaveUser(&types.User{ID: "user-1"}))

	key, err := svc.CreateAPIKey("user-1", "ci")
	require.NoError(t, err)

	user, err := gw.GetUser("user-1")
	require.NoError(t, err)
	user.Suspended = true
	require.NoError(t, gw.SaveUser(user))

	_, err = svc.ValidateAPIKey(key)
	assert.ErrorContains(t, err, "suspended")
}

// TestEphemeralSecret verifies a missing JWT secret is filled in at startup
func TestEphemeralSecret(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	gw, err := gateway.New(store)
	require.NoError(t, err)

	cfg := config.Default().Auth
	cfg.JwtSecret = ""
	svc := New(&cfg, gw)
	assert.NotEmpty(t, svc.cfg.JwtSecret)
}
