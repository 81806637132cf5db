package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"paygate/internal/domain"
	"paygate/pkg/errors"
)

type PaymentLinkRepository struct {
	db *sqlx.DB
}

func NewPaymentLinkRepository(db *sqlx.DB) *PaymentLinkRepository {
	return &PaymentLinkRepository{db: db}
}

func (r *PaymentLinkRepository) Create(ctx context.Context, link *domain.PaymentLink) error {
	query := `
		INSERT INTO payment_links (id, tenant_id, token, amount, currency, description, status, created_at, updated_at)
		VALUES (:id, :tenant_id, :token, :amount, :currency, :description, :status, :created_at, :updated_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, link)
	if isUniqueViolation(err) {
		return errors.ErrDuplicateReference
	}
	return errors.Wrap(err, "failed to create payment link")
}

func (r *PaymentLinkRepository) FindByToken(ctx context.Context, token string) (*domain.PaymentLink, error) {
	link := &domain.PaymentLink{}
	query := `
		SELECT id, tenant_id, token, amount, currency, description, status, created_at, updated_at
		FROM payment_links WHERE token = $1
	`
	if err := r.db.GetContext(ctx, link, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrPaymentLinkNotFound
		}
		return nil, errors.Wrap(err, "failed to find payment link")
	}
	return link, nil
}

// MarkPaid closes an open link. Paying an already closed link is a no-op.
func (r *PaymentLinkRepository) MarkPaid(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payment_links SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		domain.LinkPaid, time.Now().UTC(), id, domain.LinkOpen,
	)
	return errors.Wrap(err, "failed to mark payment link paid")
}
