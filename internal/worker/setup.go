package worker

import (
	"paygate/internal/queue"
	"paygate/pkg/config"
	"paygate/pkg/logger"
)

// Services is the payment state the task routes read and advance.
type Services interface {
	Requests
	PayoutCreator
}

// Setup builds a pool on q with every task kind registered.
func Setup(q queue.Queue, cfg config.WorkerConfig, svc Services, gw Gateway, methods PayoutMethods, hooks Deliverer, postings Poster, log logger.Logger) *Pool {
	pool := NewPool(q, cfg, log)
	Register(pool,
		NewInitiator(svc, gw, log),
		NewWebhooks(hooks, log),
		NewPostings(postings, log),
		NewPayouts(methods, svc, log),
	)
	return pool
}
