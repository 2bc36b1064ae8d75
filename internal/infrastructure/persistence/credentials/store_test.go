package credentials

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencom/opencom-go/internal/domain/entities/session"
	"github.com/opencom/opencom-go/internal/infrastructure/security"
)

const testEndpoint = "https://api.opencom.test"

func newTestStore(t *testing.T) (*Store, *MemoryStore) {
	t.Helper()
	kv := NewMemoryStore()
	store, err := NewStore(kv, testEndpoint, "install-secret", nil)
	require.NoError(t, err)
	return store, kv
}

func testIdentity() session.VisitorIdentity {
	return session.VisitorIdentity{
		VisitorID:        "visitor-1",
		SessionID:        "session-1",
		SessionToken:     "jwt-token",
		SessionExpiresAt: time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC),
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdentity(ctx, testIdentity()))

	loaded, err := store.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, testIdentity(), loaded)
}

func TestLoadIdentityWhenEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	loaded, err := store.LoadIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.VisitorIdentity{}, loaded)
}

func TestInstallSecretIsMintedOnceAndReused(t *testing.T) {
	kv := NewMemoryStore()
	ctx := context.Background()

	first, err := LoadOrCreateInstallSecret(ctx, kv)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := LoadOrCreateInstallSecret(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, first, second, "restarts must reuse the minted secret")

	other, err := LoadOrCreateInstallSecret(ctx, NewMemoryStore())
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "installations must not share a secret")
}

func TestHostSuppliedInstallSecretIsNotReplaced(t *testing.T) {
	kv := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "opencom:installSecret", "host-secret"))

	got, err := LoadOrCreateInstallSecret(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, "host-secret", got)
}

func TestKeysAreNamespacedPerEndpoint(t *testing.T) {
	kv := NewMemoryStore()
	a, err := NewStore(kv, "https://api.one.test", "install-secret", nil)
	require.NoError(t, err)
	b, err := NewStore(kv, "https://api.two.test", "install-secret", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.SaveIdentity(ctx, testIdentity()))

	other, err := b.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Empty(t, other.VisitorID, "endpoints must not see each other's credentials")

	require.NoError(t, a.Clear(ctx))
}

func TestTokenIsEncryptedAtRest(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdentity(ctx, testIdentity()))

	raw, ok, err := kv.Get(ctx, "opencom:"+testEndpoint+":sessionToken")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, "jwt-token", raw)
	assert.NotContains(t, raw, "jwt-token")

	// The plain tier stays readable.
	visitorID, ok, err := kv.Get(ctx, "opencom:"+testEndpoint+":visitorId")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "visitor-1", visitorID)
}

func TestCorruptSecureValueTreatedAsAbsent(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdentity(ctx, testIdentity()))
	require.NoError(t, kv.Set(ctx, "opencom:"+testEndpoint+":sessionToken", "garbage"))

	loaded, err := store.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.SessionToken, "undecryptable token must come back absent")
	assert.Equal(t, "visitor-1", loaded.VisitorID, "plain fields survive a corrupt secure value")
}

func TestSecureKeyDiffersPerEndpoint(t *testing.T) {
	kv := NewMemoryStore()
	a, err := NewStore(kv, "https://api.one.test", "install-secret", nil)
	require.NoError(t, err)
	b, err := NewStore(kv, "https://api.two.test", "install-secret", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.SaveIdentity(ctx, testIdentity()))

	// Copy endpoint A's ciphertext under endpoint B's key name. B must
	// fail to decrypt it and treat the token as absent.
	cipher, ok, err := kv.Get(ctx, "opencom:https://api.one.test:sessionToken")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, kv.Set(ctx, "opencom:https://api.two.test:sessionToken", cipher))

	loaded, err := b.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.SessionToken)
}

func TestClearRemovesEverything(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdentity(ctx, testIdentity()))
	require.NoError(t, store.SaveCompletedSurveys(ctx, []string{"survey-1"}))
	require.NoError(t, store.Clear(ctx))

	loaded, err := store.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.VisitorIdentity{}, loaded)

	surveys, err := store.LoadCompletedSurveys(ctx)
	require.NoError(t, err)
	assert.Empty(t, surveys)
}

func TestCompletedSurveysRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	surveys, err := store.LoadCompletedSurveys(ctx)
	require.NoError(t, err)
	assert.Empty(t, surveys)

	ids := []string{"survey-a", "survey-b", "survey-c"}
	require.NoError(t, store.SaveCompletedSurveys(ctx, ids))

	loaded, err := store.LoadCompletedSurveys(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, loaded)
}

func TestUnparseableExpiryDiscarded(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdentity(ctx, testIdentity()))

	// Re-encrypt a bogus expiry under the right key so only parsing fails.
	bogus, err := security.Encrypt("not-a-timestamp", store.secureKey)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "opencom:"+testEndpoint+":sessionExpiresAt", bogus))

	loaded, err := store.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.SessionExpiresAt.IsZero())
	assert.Equal(t, "jwt-token", loaded.SessionToken)
}

func TestKeyPrefixSharedAcrossTiers(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdentity(ctx, testIdentity()))
	for _, key := range kv.Keys() {
		assert.True(t, strings.HasPrefix(key, "opencom:"+testEndpoint+":"), "key %q outside namespace", key)
	}
}
