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

const disbursementColumns = `
	id, tenant_id, request_reference, amount, fee, currency, phone_number, business_account,
	remarks, source, conversation_id, originator_conversation_id, provider_transaction_id,
	status, created_at, updated_at`

type DisbursementRepository struct {
	db *sqlx.DB
}

func NewDisbursementRepository(db *sqlx.DB) *DisbursementRepository {
	return &DisbursementRepository{db: db}
}

func (r *DisbursementRepository) Create(ctx context.Context, d *domain.DisbursementRequest) error {
	query := `
		INSERT INTO disbursement_requests (` + disbursementColumns + `
		) VALUES (
			:id, :tenant_id, :request_reference, :amount, :fee, :currency, :phone_number, :business_account,
			:remarks, :source, :conversation_id, :originator_conversation_id, :provider_transaction_id,
			:status, :created_at, :updated_at
		)
	`
	_, err := r.db.NamedExecContext(ctx, query, d)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateReference
		}
		return errors.Wrap(err, "failed to create disbursement request")
	}
	return nil
}

func (r *DisbursementRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.DisbursementRequest, error) {
	d := &domain.DisbursementRequest{}
	query := `SELECT ` + disbursementColumns + ` FROM disbursement_requests WHERE id = $1`
	if err := r.db.GetContext(ctx, d, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrDisbursementNotFound
		}
		return nil, errors.Wrap(err, "failed to find disbursement request by id")
	}
	return d, nil
}

func (r *DisbursementRepository) FindByReference(ctx context.Context, reference string) (*domain.DisbursementRequest, error) {
	d := &domain.DisbursementRequest{}
	query := `SELECT ` + disbursementColumns + ` FROM disbursement_requests WHERE request_reference = $1`
	if err := r.db.GetContext(ctx, d, query, reference); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrDisbursementNotFound
		}
		return nil, errors.Wrap(err, "failed to find disbursement request by reference")
	}
	return d, nil
}

func (r *DisbursementRepository) ExistsByReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM disbursement_requests WHERE request_reference = $1)`
	if err := r.db.GetContext(ctx, &exists, query, reference); err != nil {
		return false, errors.Wrap(err, "failed to check disbursement reference")
	}
	return exists, nil
}

func (r *DisbursementRepository) Transition(ctx context.Context, id uuid.UUID, from []domain.RequestStatus, change domain.StatusChange) (bool, error) {
	query := `
		UPDATE disbursement_requests SET
			status = $1,
			conversation_id = COALESCE($2, conversation_id),
			originator_conversation_id = COALESCE($3, originator_conversation_id),
			provider_transaction_id = COALESCE($4, provider_transaction_id),
			remarks = COALESCE($5, remarks),
			updated_at = $6
		WHERE id = $7 AND status = ANY($8)
	`
	res, err := r.db.ExecContext(ctx, query,
		change.To, change.ConversationID, change.OriginatorConversationID, change.ProviderTransactionID,
		change.Remarks, time.Now().UTC(), id, pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to transition disbursement request")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return rows == 1, nil
}
