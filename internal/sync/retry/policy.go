// Package retry decides whether a failed action goes back to the queue.
package retry

import (
	"context"
	stderrors "errors"
	"net"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
)

// Class is the retry classification of an error.
type Class int

const (
	Terminal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Policy caps how many times a retryable failure re-queues an action.
type Policy struct {
	max int
}

// NewPolicy returns a policy with the given cap; max < 0 falls back to
// models.DefaultMaxRetries.
func NewPolicy(max int) *Policy {
	if max < 0 {
		max = models.DefaultMaxRetries
	}
	return &Policy{max: max}
}

// Max returns the retry cap.
func (p *Policy) Max() int {
	return p.max
}

// Classify maps an error onto Retryable or Terminal. Transient network
// failures and cancellation are retryable; validation, permission,
// not-found and anything unrecognized are terminal.
func (p *Policy) Classify(err error) Class {
	if err == nil {
		return Terminal
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	switch errs.CodeOf(err) {
	case errs.ErrTransientNetwork:
		return Retryable
	case errs.ErrValidation, errs.ErrPermission, errs.ErrNotFound:
		return Terminal
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return Retryable
	}
	return Terminal
}

// ShouldRetry reports whether action may be re-queued after err.
func (p *Policy) ShouldRetry(action *models.PendingAction, err error) bool {
	return p.Classify(err) == Retryable && action.RetryCount < p.max
}

// NextRetryCount is the retry count after one more retryable failure,
// never exceeding the cap.
func (p *Policy) NextRetryCount(action *models.PendingAction) int {
	if action.RetryCount >= p.max {
		return p.max
	}
	return action.RetryCount + 1
}
