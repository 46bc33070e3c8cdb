package settlement

import (
	"context"

	"github.com/arkantrust/ap2-gateway/backend/models"
)

// Outcome is what a settlement task ended with.
type Outcome struct {
	Status      models.Status
	Transaction *models.Transaction
	Callback    *models.PaymentCallback
	Delivery    models.Delivery
	// Err is set when the task could not record its result.
	Err error
}

// Task is a handle on one running settlement.
type Task struct {
	TransactionID string

	done    chan struct{}
	outcome Outcome
}

func newTask(id string) *Task {
	return &Task{TransactionID: id, done: make(chan struct{})}
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
