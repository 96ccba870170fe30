package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
)

func TestCounterNext(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO event_streams`).
		WithArgs("order-1").
		WillReturnRows(pgxmock.NewRows([]string{"position"}).AddRow(int64(7)))

	pos, err := NewCounter(mock).Next(context.Background(), "order-1")
	require.NoError(t, err)
	require.Equal(t, int64(7), pos)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounterNextErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := NewCounter(mock)
	_, err = c.Next(context.Background(), "")
	require.ErrorIs(t, err, apperr.ErrValidation)

	mock.ExpectQuery(`INSERT INTO event_streams`).
		WithArgs("order-2").
		WillReturnError(errors.New("connection reset"))
	_, err = c.Next(context.Background(), "order-2")
	require.ErrorContains(t, err, "advance stream order-2")
	require.NoError(t, mock.ExpectationsWereMet())
}
