package pending

import (
	"sync/atomic"

	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/google/uuid"
)

const (
	waiting int32 = iota
	delivered
	cancelled
)

// Waiter is one caller waiting for the outcome of a request.
// It receives at most one terminal callback, and none once cancelled.
type Waiter struct {
	id         uuid.UUID
	onProgress func(fraction float64)
	onComplete func(domain.Result)
	state      atomic.Int32
}

func NewWaiter(onProgress func(fraction float64), onComplete func(domain.Result)) *Waiter {
	return &Waiter{
		id:         uuid.New(),
		onProgress: onProgress,
		onComplete: onComplete,
	}
}

func (w *Waiter) ID() uuid.UUID {
	return w.id
}

// Deliver invokes the terminal callback unless the waiter is already done
func (w *Waiter) Deliver(result domain.Result) bool {
	if !w.state.CompareAndSwap(waiting, delivered) {
		return false
	}
	if w.onComplete != nil {
		w.onComplete(result)
	}
	return true
}

// Cancel suppresses all future callbacks. Returns false if the waiter was already done.
func (w *Waiter) Cancel() bool {
	return w.state.CompareAndSwap(waiting, cancelled)
}

func (w *Waiter) Progress(fraction float64) {
	if w.onProgress == nil || w.state.Load() != waiting {
		return
	}
	w.onProgress(fraction)
}

func (w *Waiter) Done() bool {
	return w.state.Load() != waiting
}

func (w *Waiter) Cancelled() bool {
	return w.state.Load() == cancelled
}
