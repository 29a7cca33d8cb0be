package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
)

// Exchange closes positions on a venue. Implementations must be safe for
// concurrent use and should pass ClientOrderID through so the venue can
// reject a duplicate submission.
type Exchange interface {
	ClosePosition(ctx context.Context, req CloseRequest) (*Fill, error)
}

// CloseRequest is a market order that flattens one position.
type CloseRequest struct {
	Position       *domain.Position
	Side           domain.OrderSide
	Quantity       decimal.Decimal
	ClientOrderID  string
	ReferencePrice decimal.Decimal // triggered threshold; used by paper fills
}

// Fill is the exchange's confirmation of a close.
type Fill struct {
	Price    decimal.Decimal
	OrderID  string
	FilledAt time.Time
}

// ErrorKind classifies a failed exchange call.
type ErrorKind string

const (
	KindTimeout  ErrorKind = "timeout"
	KindRejected ErrorKind = "rejected"
	KindNetwork  ErrorKind = "network"
)

// ExecutionError is a recoverable exchange failure.
type ExecutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("exchange %s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Rejected wraps err as a venue rejection.
func Rejected(err error) *ExecutionError {
	return &ExecutionError{Kind: KindRejected, Err: err}
}

// Classify maps any exchange error to an ExecutionError.
// Errors that are already classified are returned unchanged; deadline
// errors are timeouts; everything else is treated as a network failure.
func Classify(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Kind: KindTimeout, Err: err}
	}
	return &ExecutionError{Kind: KindNetwork, Err: err}
}
