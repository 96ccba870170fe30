package vault

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, store Store, ttl time.Duration) (*Vault, *time.Time) {
	t.Helper()
	v, err := New(store, ttl, "test-fingerprint-key")
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	return v, &now
}

func TestIssueMasksCardAndDropsRawData(t *testing.T) {
	v, _ := newTestVault(t, NewMemoryStore(), 15*time.Minute)

	e, err := v.Issue(context.Background(), "4242 4242 4242 4242")
	require.NoError(t, err)
	require.True(t, v.Validate(e.Token))
	require.Equal(t, KindCard, e.Kind)
	require.Equal(t, "**** **** **** 4242", e.Masked)
	require.NotContains(t, e.Fingerprint, "4242424242424242")
	require.Len(t, e.Fingerprint, 64)
}

func TestIssueSameCardSameFingerprint(t *testing.T) {
	v, _ := newTestVault(t, NewMemoryStore(), 15*time.Minute)
	a, err := v.Issue(context.Background(), "4242424242424242")
	require.NoError(t, err)
	b, err := v.Issue(context.Background(), "4242-4242-4242-4242")
	require.NoError(t, err)
	require.NotEqual(t, a.Token, b.Token)
	require.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestIssueRejectsBadCardChecksum(t *testing.T) {
	v, _ := newTestVault(t, NewMemoryStore(), 15*time.Minute)
	_, err := v.Issue(context.Background(), "4242424242424241")
	require.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestIssueMasksPhone(t *testing.T) {
	v, _ := newTestVault(t, NewMemoryStore(), 15*time.Minute)
	e, err := v.Issue(context.Background(), "+254712345678")
	require.NoError(t, err)
	require.Equal(t, KindPhone, e.Kind)
	require.Equal(t, "+254******678", e.Masked)
}

func TestClassifyTreatsNonASCIIDigitsAsOpaque(t *testing.T) {
	arabicIndic := strings.Repeat("\u0664\u0662", 8)
	fullwidth := "+" + strings.Repeat("\uff17", 12)

	for _, in := range []string{arabicIndic, fullwidth} {
		kind, normalized, _, err := classify(in)
		require.NoError(t, err)
		require.Equal(t, KindOpaque, kind)
		require.Equal(t, in, normalized)
	}
}

func TestValidateIsFormatOnly(t *testing.T) {
	v, _ := newTestVault(t, NewMemoryStore(), time.Minute)
	require.True(t, v.Validate("tok_"+strings.Repeat("a", 32)))
	require.False(t, v.Validate("tok_short"))
	require.False(t, v.Validate("card_"+strings.Repeat("a", 32)))
}

func TestResolveManyReadsThenExpires(t *testing.T) {
	store := NewMemoryStore()
	v, now := newTestVault(t, store, 15*time.Minute)
	ctx := context.Background()

	e, err := v.Issue(ctx, "4242424242424242")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := v.Resolve(ctx, e.Token)
		require.NoError(t, err)
		require.Equal(t, e.Masked, got.Masked)
	}

	*now = now.Add(15 * time.Minute)
	_, err = v.Resolve(ctx, e.Token)
	require.True(t, errors.Is(err, apperr.ErrTokenExpired))

	_, ok, err := store.Get(ctx, e.Token)
	require.NoError(t, err)
	require.False(t, ok, "expired entry must be deleted on resolve")
}

func TestResolveUnreadTokenAfterTTL(t *testing.T) {
	v, now := newTestVault(t, NewMemoryStore(), time.Minute)
	ctx := context.Background()
	e, err := v.Issue(ctx, "+254712345678")
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	_, err = v.Resolve(ctx, e.Token)
	require.True(t, errors.Is(err, apperr.ErrTokenExpired))
}

func TestResolveMalformedToken(t *testing.T) {
	v, _ := newTestVault(t, NewMemoryStore(), time.Minute)
	_, err := v.Resolve(context.Background(), "not-a-token")
	require.True(t, errors.Is(err, apperr.ErrInvalidToken))
}

func TestMemoryStoreEvictsOnOwnTimer(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Entry{Token: "tok_a", ExpiresAt: time.Now().Add(20 * time.Millisecond)}))
	require.NoError(t, store.Put(ctx, Entry{Token: "tok_b", ExpiresAt: time.Now().Add(time.Hour)}))

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
	_, ok, _ := store.Get(ctx, "tok_b")
	require.True(t, ok)
}
