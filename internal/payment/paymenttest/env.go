// Package paymenttest wires a payment.Service over in-memory stores for
// tests of the packages built on top of it.
package paymenttest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"paygate/internal/domain"
	"paygate/internal/ledger"
	"paygate/internal/notification"
	"paygate/internal/payment"
	"paygate/internal/queue"
	"paygate/internal/ratelimit"
	"paygate/internal/repository/memory"
	"paygate/pkg/logger"
)

type Env struct {
	DB            *memory.DB
	Tenants       *memory.TenantRepository
	APIKeys       *memory.APIKeyRepository
	Collections   *memory.CollectionRepository
	Disbursements *memory.DisbursementRepository
	Links         *memory.PaymentLinkRepository
	Transactions  *memory.TransactionRepository
	Ledger        *ledger.Service
	Queue         *queue.MemoryQueue
	Hub           *notification.MemoryHub
	Limiter       *ratelimit.MemoryLimiter
	Log           *logger.Recorder
	Service       *payment.Service
}

func New(t *testing.T) *Env {
	t.Helper()
	db := memory.NewDB()
	log := logger.NewRecorder()
	e := &Env{
		DB:            db,
		Tenants:       memory.NewTenantRepository(db),
		APIKeys:       memory.NewAPIKeyRepository(db),
		Collections:   memory.NewCollectionRepository(db),
		Disbursements: memory.NewDisbursementRepository(db),
		Links:         memory.NewPaymentLinkRepository(db),
		Transactions:  memory.NewTransactionRepository(db),
		Queue:         queue.NewMemoryQueue(),
		Hub:           notification.NewMemoryHub(),
		Limiter:       ratelimit.NewMemoryLimiter(10 * time.Second),
		Log:           log,
	}
	e.Ledger = ledger.NewService(memory.NewLedgerStore(db), ledger.JoinReader(e.Tenants, e.Transactions), log)
	e.Service = payment.NewService(payment.Deps{
		Collections:   e.Collections,
		Disbursements: e.Disbursements,
		Tenants:       e.Tenants,
		Links:         e.Links,
		Ledger:        e.Ledger,
		Queue:         e.Queue,
		Live:          e.Hub,
		Limiter:       e.Limiter,
		Logger:        log,
	})
	return e
}

// Tenant creates a tenant holding balance.
func (e *Env) Tenant(t *testing.T, balance string) *domain.Tenant {
	t.Helper()
	tn := &domain.Tenant{
		ID:            uuid.New(),
		Name:          "tenant-" + uuid.NewString()[:8],
		WalletBalance: decimal.RequireFromString(balance),
	}
	require.NoError(t, e.Tenants.Create(context.Background(), tn))
	return tn
}

// Balance reads the tenant's current wallet balance.
func (e *Env) Balance(t *testing.T, tenantID uuid.UUID) decimal.Decimal {
	t.Helper()
	tn, err := e.Tenants.FindByID(context.Background(), tenantID)
	require.NoError(t, err)
	return tn.WalletBalance
}

// Tasks returns the queued tasks of kind.
func (e *Env) Tasks(kind queue.Kind) []*queue.Task {
	var out []*queue.Task
	for _, task := range e.Queue.Pending() {
		if task.Kind == kind {
			out = append(out, task)
		}
	}
	return out
}
