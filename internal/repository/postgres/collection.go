package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"paygate/internal/domain"
	"paygate/pkg/errors"
)

const collectionColumns = `
	id, tenant_id, request_reference, amount, currency, phone_number, description,
	payment_link_id, checkout_request_id, merchant_request_id, receipt_number,
	status, remarks, created_at, updated_at`

type CollectionRepository struct {
	db *sqlx.DB
}

func NewCollectionRepository(db *sqlx.DB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

func (r *CollectionRepository) Create(ctx context.Context, c *domain.CollectionRequest) error {
	query := `
		INSERT INTO collection_requests (` + collectionColumns + `
		) VALUES (
			:id, :tenant_id, :request_reference, :amount, :currency, :phone_number, :description,
			:payment_link_id, :checkout_request_id, :merchant_request_id, :receipt_number,
			:status, :remarks, :created_at, :updated_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, c)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateReference
		}
		return errors.Wrap(err, "failed to create payment request")
	}
	return nil
}

func (r *CollectionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.CollectionRequest, error) {
	c := &domain.CollectionRequest{}
	query := `SELECT ` + collectionColumns + ` FROM collection_requests WHERE id = $1`
	if err := r.db.GetContext(ctx, c, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrCollectionNotFound
		}
		return nil, errors.Wrap(err, "failed to find payment request by id")
	}
	return c, nil
}

func (r *CollectionRepository) FindByReference(ctx context.Context, reference string) (*domain.CollectionRequest, error) {
	c := &domain.CollectionRequest{}
	query := `SELECT ` + collectionColumns + ` FROM collection_requests WHERE request_reference = $1`
	if err := r.db.GetContext(ctx, c, query, reference); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrCollectionNotFound
		}
		return nil, errors.Wrap(err, "failed to find payment request by reference")
	}
	return c, nil
}

func (r *CollectionRepository) ExistsByReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM collection_requests WHERE request_reference = $1)`
	if err := r.db.GetContext(ctx, &exists, query, reference); err != nil {
		return false, errors.Wrap(err, "failed to check payment request reference")
	}
	return exists, nil
}

// Transition moves the request to change.To only while its status is one of
// from. It reports false when another writer got there first.
func (r *CollectionRepository) Transition(ctx context.Context, id uuid.UUID, from []domain.RequestStatus, change domain.StatusChange) (bool, error) {
	query := `
		UPDATE collection_requests SET
			status = $1,
			checkout_request_id = COALESCE($2, checkout_request_id),
			merchant_request_id = COALESCE($3, merchant_request_id),
			receipt_number = COALESCE($4, receipt_number),
			remarks = COALESCE($5, remarks),
			updated_at = $6
		WHERE id = $7 AND status = ANY($8)
	`
	res, err := r.db.ExecContext(ctx, query,
		change.To, change.CheckoutRequestID, change.MerchantRequestID, change.ReceiptNumber,
		change.Remarks, time.Now().UTC(), id, pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to transition payment request")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return rows == 1, nil
}
