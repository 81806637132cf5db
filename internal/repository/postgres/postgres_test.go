package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/domain"
	"paygate/internal/ledger"
	"paygate/pkg/errors"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestCollectionTransition(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCollectionRepository(db)
	id := uuid.New()
	receipt := "XYZ123"
	from := []domain.RequestStatus{domain.StatusPending, domain.StatusInitiated}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE collection_requests SET")).
		WithArgs(domain.StatusCompleted, nil, nil, &receipt, nil, sqlmock.AnyArg(), id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE collection_requests SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Transition(context.Background(), id, from, domain.StatusChange{To: domain.StatusCompleted, ReceiptNumber: &receipt})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Transition(context.Background(), id, from, domain.StatusChange{To: domain.StatusFailed})
	require.NoError(t, err)
	assert.False(t, ok, "a request another writer moved is left alone")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectionFindByID_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCollectionRepository(db)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM collection_requests WHERE id = $1")).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), id)
	assert.ErrorIs(t, err, errors.ErrCollectionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDisbursementCreate_DuplicateReference(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDisbursementRepository(db)
	phone := "254712345678"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO disbursement_requests")).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Create(context.Background(), &domain.DisbursementRequest{
		ID:               uuid.New(),
		TenantID:         uuid.New(),
		RequestReference: "D1",
		Amount:           decimal.NewFromInt(100),
		PhoneNumber:      &phone,
		Status:           domain.StatusPending,
		Source:           domain.SourceAPI,
	})
	assert.ErrorIs(t, err, errors.ErrDuplicateReference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantFindConfig(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTenantRepository(db)
	ctx := context.Background()
	id := uuid.New()
	now := time.Now()

	t.Run("stored config", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_configs WHERE tenant_id = $1")).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "callback_url", "payout_method", "updated_at"}).
				AddRow(id.String(), "https://merchant.example.com/hook", []byte(`{"kind":"phone","phone":"0712345678"}`), now))

		cfg, err := repo.FindConfig(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, cfg.CallbackURL)
		assert.Equal(t, "https://merchant.example.com/hook", *cfg.CallbackURL)
		require.NotNil(t, cfg.PayoutMethod)
		assert.Equal(t, domain.PaymentMethodPhone, cfg.PayoutMethod.Kind)
	})

	t.Run("no row for a known tenant", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_configs")).WithArgs(id).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta("FROM tenants WHERE id = $1")).WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "wallet_balance", "created_at", "updated_at"}).
				AddRow(id.String(), "acme", "0", now, now))

		cfg, err := repo.FindConfig(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, cfg.TenantID)
		assert.Nil(t, cfg.CallbackURL)
		assert.Nil(t, cfg.PayoutMethod)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM tenant_configs")).WithArgs(id).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta("FROM tenants WHERE id = $1")).WithArgs(id).WillReturnError(sql.ErrNoRows)

		_, err := repo.FindConfig(ctx, id)
		assert.ErrorIs(t, err, errors.ErrTenantNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPayoutCandidates(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTenantRepository(db)
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE c.payout_method IS NOT NULL AND t.wallet_balance > $1")).
		WithArgs(decimal.NewFromInt(100)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a.String()).AddRow(b.String()))

	ids, err := repo.ListPayoutCandidates(context.Background(), decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)
	tenantID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM tenants WHERE id = $1 FOR UPDATE")).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "wallet_balance", "created_at", "updated_at"}).
			AddRow(tenantID.String(), "acme", "500", now, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		tn, err := tx.LockTenant(context.Background(), tenantID)
		if err != nil {
			return err
		}
		assert.True(t, tn.WalletBalance.Equal(decimal.NewFromInt(500)))
		return tx.InsertTransaction(context.Background(), &domain.Transaction{
			ID:        uuid.New(),
			Reference: "XYZ123",
			TenantID:  tenantID,
			Amount:    decimal.NewFromInt(50),
			Gateway:   domain.GatewayMpesa,
			Type:      domain.EntryCredit,
			CreatedAt: now,
		})
	})
	assert.ErrorIs(t, err, errors.ErrDuplicateReference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_Commits(t *testing.T) {
	db, mock := newMock(t)
	store := NewLedgerStore(db)
	tenantID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_entries")).
		WithArgs(tenantID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenants SET wallet_balance = $1")).
		WithArgs(decimal.NewFromInt(75), sqlmock.AnyArg(), tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx ledger.Tx) error {
		latest, err := tx.LatestEntry(context.Background(), tenantID)
		if err != nil {
			return err
		}
		assert.Nil(t, latest)
		return tx.UpdateTenantBalance(context.Background(), tenantID, decimal.NewFromInt(75))
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
