package refresh

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClassMarket/classmarket-core/pkg/clients/postgres"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

var storeTestNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func storeTestSetup(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewStore(postgres.NewFromPool(mock, nil), WithClock(func() time.Time { return storeTestNow })), mock
}

func storeTestRow(hash string, userID int64, expiresAt time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "token_hash", "user_id", "expires_at", "created_at"}).
		AddRow("6f1c2c1e-8d0b-4b8e-9a52-1f4f1f0e7a11", hash, userID, expiresAt, storeTestNow.Add(-time.Hour))
}

func TestHashToken(t *testing.T) {
	h := HashToken("opaque")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("opaque"))
	assert.NotEqual(t, h, HashToken("opaquE"))
}

func TestStore_Issue(t *testing.T) {
	s, mock := storeTestSetup(t)
	mock.ExpectExec(regexp.QuoteMeta(insertToken)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), int64(42), storeTestNow.Add(24*time.Hour), storeTestNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	token, row, err := s.Issue(context.Background(), 42, 24*time.Hour)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, tokenBytes)
	assert.Equal(t, HashToken(token), row.TokenHash)
	assert.NotContains(t, row.TokenHash, token)
	assert.Equal(t, int64(42), row.UserID)
}

func TestStore_Issue_TokensAreUnique(t *testing.T) {
	s, mock := storeTestSetup(t)
	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta(insertToken)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	a, _, err := s.Issue(context.Background(), 1, time.Hour)
	require.NoError(t, err)
	b, _, err := s.Issue(context.Background(), 1, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestStore_Issue_Errors(t *testing.T) {
	t.Run("invalid ttl", func(t *testing.T) {
		s, _ := storeTestSetup(t)
		_, _, err := s.Issue(context.Background(), 1, 0)
		assert.True(t, cmerr.IsValidation(err))
	})

	t.Run("entropy failure", func(t *testing.T) {
		s, _ := storeTestSetup(t)
		s.random = func([]byte) (int, error) { return 0, errors.New("no entropy") }
		_, _, err := s.Issue(context.Background(), 1, time.Hour)
		assert.True(t, cmerr.HasCode(err, cmerr.CodeInternal))
	})

	t.Run("insert failure", func(t *testing.T) {
		s, mock := storeTestSetup(t)
		mock.ExpectExec(regexp.QuoteMeta(insertToken)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(errors.New("connection reset"))
		_, _, err := s.Issue(context.Background(), 1, time.Hour)
		assert.True(t, cmerr.HasCode(err, cmerr.CodeInternalDatabase))
	})
}

func TestStore_Lookup(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		wantCode  cmerr.Code
	}{
		{"valid", storeTestNow.Add(time.Minute), ""},
		{"expires exactly now", storeTestNow, cmerr.CodeNotFoundRefreshToken},
		{"expired", storeTestNow.Add(-time.Second), cmerr.CodeNotFoundRefreshToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := storeTestSetup(t)
			hash := HashToken("tok")
			mock.ExpectQuery(regexp.QuoteMeta(selectByHash)).
				WithArgs(hash).
				WillReturnRows(storeTestRow(hash, 9, tt.expiresAt))

			row, err := s.Lookup(context.Background(), "tok")
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, int64(9), row.UserID)
				return
			}
			assert.Nil(t, row)
			assert.True(t, cmerr.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestStore_Lookup_Unknown(t *testing.T) {
	s, mock := storeTestSetup(t)
	mock.ExpectQuery(regexp.QuoteMeta(selectByHash)).
		WithArgs(HashToken("nope")).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Lookup(context.Background(), "nope")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeNotFoundRefreshToken))
}

func TestStore_Consume(t *testing.T) {
	s, mock := storeTestSetup(t)
	hash := HashToken("tok")
	mock.ExpectQuery(regexp.QuoteMeta(consumeByHash)).
		WithArgs(hash).
		WillReturnRows(storeTestRow(hash, 9, storeTestNow.Add(time.Hour)))
	mock.ExpectQuery(regexp.QuoteMeta(consumeByHash)).
		WithArgs(hash).
		WillReturnError(pgx.ErrNoRows)

	row, err := s.Consume(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(9), row.UserID)

	_, err = s.Consume(context.Background(), "tok")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeNotFoundRefreshToken), "a consumed token must not be found again")
}

func TestStore_Consume_Expired(t *testing.T) {
	s, mock := storeTestSetup(t)
	hash := HashToken("old")
	mock.ExpectQuery(regexp.QuoteMeta(consumeByHash)).
		WithArgs(hash).
		WillReturnRows(storeTestRow(hash, 9, storeTestNow.Add(-time.Minute)))

	_, err := s.Consume(context.Background(), "old")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeAuthenticationSessionExpired))
}

func TestStore_RevokeAll(t *testing.T) {
	s, mock := storeTestSetup(t)
	mock.ExpectExec(regexp.QuoteMeta(deleteByUser)).
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.RevokeAll(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStore_SweepExpired(t *testing.T) {
	s, mock := storeTestSetup(t)
	mock.ExpectExec(regexp.QuoteMeta(deleteExpired)).
		WithArgs(storeTestNow).
		WillReturnResult(pgxmock.NewResult("DELETE", 17))

	n, err := s.SweepExpired(context.Background(), storeTestNow)
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
}

func TestStore_SweepExpired_Timeout(t *testing.T) {
	s, mock := storeTestSetup(t)
	mock.ExpectExec(regexp.QuoteMeta(deleteExpired)).
		WithArgs(storeTestNow).
		WillReturnError(context.DeadlineExceeded)

	_, err := s.SweepExpired(context.Background(), storeTestNow)
	assert.True(t, cmerr.HasCode(err, cmerr.CodeTimeoutDatabase))
}

func TestStore_ActiveCount(t *testing.T) {
	s, mock := storeTestSetup(t)
	mock.ExpectQuery(regexp.QuoteMeta(countActive)).
		WithArgs(int64(9), storeTestNow).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := s.ActiveCount(context.Background(), 9, storeTestNow)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestStore_Migrate(t *testing.T) {
	s, mock := storeTestSetup(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS refresh_tokens").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("refresh_tokens_user_id_idx").WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec("refresh_tokens_expires_at_idx").WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	require.NoError(t, s.Migrate(context.Background()))
}

func TestStore_StatementsAreBounded(t *testing.T) {
	const delay = 5 * time.Second
	tests := []struct {
		name   string
		expect func(mock pgxmock.PgxPoolIface)
		call   func(s *Store) error
	}{
		{
			name: "issue",
			expect: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(regexp.QuoteMeta(insertToken)).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnResult(pgxmock.NewResult("INSERT", 1)).
					WillDelayFor(delay)
			},
			call: func(s *Store) error {
				_, _, err := s.Issue(context.Background(), 1, time.Hour)
				return err
			},
		},
		{
			name: "lookup",
			expect: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(regexp.QuoteMeta(selectByHash)).
					WithArgs(HashToken("tok")).
					WillReturnRows(storeTestRow(HashToken("tok"), 1, storeTestNow.Add(time.Hour))).
					WillDelayFor(delay)
			},
			call: func(s *Store) error {
				_, err := s.Lookup(context.Background(), "tok")
				return err
			},
		},
		{
			name: "consume",
			expect: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(regexp.QuoteMeta(consumeByHash)).
					WithArgs(HashToken("tok")).
					WillReturnRows(storeTestRow(HashToken("tok"), 1, storeTestNow.Add(time.Hour))).
					WillDelayFor(delay)
			},
			call: func(s *Store) error {
				_, err := s.Consume(context.Background(), "tok")
				return err
			},
		},
		{
			name: "revoke all",
			expect: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(regexp.QuoteMeta(deleteByUser)).
					WithArgs(int64(1)).
					WillReturnResult(pgxmock.NewResult("DELETE", 1)).
					WillDelayFor(delay)
			},
			call: func(s *Store) error {
				_, err := s.RevokeAll(context.Background(), 1)
				return err
			},
		},
		{
			name: "active count",
			expect: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(regexp.QuoteMeta(countActive)).
					WithArgs(int64(1), storeTestNow).
					WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1))).
					WillDelayFor(delay)
			},
			call: func(s *Store) error {
				_, err := s.ActiveCount(context.Background(), 1, storeTestNow)
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := storeTestSetup(t)
			WithTimeout(30 * time.Millisecond)(s)
			tt.expect(mock)

			start := time.Now()
			err := tt.call(s)
			assert.Less(t, time.Since(start), 2*time.Second)
			assert.True(t, cmerr.HasCode(err, cmerr.CodeTimeoutDatabase), "got %v", err)
		})
	}
}

func TestNewStore_DefaultTimeout(t *testing.T) {
	s, _ := storeTestSetup(t)
	assert.Equal(t, DefaultTimeout, s.timeout)

	WithTimeout(0)(s)
	assert.Equal(t, DefaultTimeout, s.timeout)
	WithTimeout(time.Second)(s)
	assert.Equal(t, time.Second, s.timeout)
}
