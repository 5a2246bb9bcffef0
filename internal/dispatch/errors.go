package dispatch

import (
	"context"
	"errors"
	"fmt"

	"pogobot/internal/delivery"
	logx "pogobot/pkg/logx"
)

var (
	// ErrValidationSkip marks an event missing a required field.
	ErrValidationSkip = errors.New("dispatch: event skipped")
	// ErrLookupMiss marks a recipient whose filter vanished mid-pass.
	ErrLookupMiss = errors.New("dispatch: filter lookup miss")
	// ErrDeliveryFailure marks a recipient whose message was lost.
	ErrDeliveryFailure = errors.New("dispatch: delivery failed")
	// ErrInterrupted marks a result wait that was cancelled.
	ErrInterrupted = errors.New("dispatch: wait interrupted")
)

// classify wraps a scheduler error into the dispatch taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, delivery.ErrInterrupted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	default:
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
}

// logRecipientError logs err at the level its class calls for.
func logRecipientError(log logx.Logger, msg string, err error, fields ...logx.Field) {
	fields = append(fields, logx.Err(err))
	switch {
	case errors.Is(err, ErrValidationSkip):
		log.Debug(msg, fields...)
	case errors.Is(err, ErrLookupMiss), errors.Is(err, ErrInterrupted):
		log.Warn(msg, fields...)
	default:
		log.Error(msg, fields...)
	}
}
