package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ p payment.Provider }

func (s stubAdapter) Provider() payment.Provider { return s.p }
func (s stubAdapter) Submit(context.Context, SubmitRequest) (SubmitResult, error) {
	return SubmitResult{}, nil
}

type stubQuerier struct{ stubAdapter }

func (stubQuerier) QueryStatus(context.Context, string) (Callback, error) { return Callback{}, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{payment.ProviderCard}, stubQuerier{stubAdapter{payment.ProviderMobileMoney}})

	a, err := r.Adapter(payment.ProviderCard)
	require.NoError(t, err)
	require.Equal(t, payment.ProviderCard, a.Provider())

	_, err = r.Adapter(payment.ProviderCash)
	require.True(t, errors.Is(err, apperr.ErrValidation))

	_, ok := r.Querier(payment.ProviderCard)
	require.False(t, ok)
	_, ok = r.Querier(payment.ProviderMobileMoney)
	require.True(t, ok)
}

func TestSanitizeMessage(t *testing.T) {
	require.Equal(t, "Invalid PhoneNumber ***", SanitizeMessage(" Invalid PhoneNumber +254712345678 "))
	require.Equal(t, "card *** declined", SanitizeMessage("card 4242424242424242 declined"))
	require.Equal(t, "code 1032", SanitizeMessage("code 1032"))
	require.Len(t, SanitizeMessage(string(make([]byte, 500))), 200)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("x", "::not a url", nil)
	require.Error(t, err)
	_, err = NewClient("x", "https://sandbox.safaricom.co.ke", nil)
	require.NoError(t, err)
}
