// Package remote abstracts the authoritative backend the agent drains its
// action queue against. Submissions are idempotent keyed by action ID: a
// retried call that already landed is acknowledged as a duplicate, never
// applied twice.
package remote

import (
	"context"

	"rutapos/core/internal/domain"
)

// Source accepts one queued action at a time. Submit returns an application
// outcome: ack, conflict with a remote snapshot, or rejection. A non-nil
// error means the attempt never got a usable answer (network failure or
// timeout) and the action should be retried.
type Source interface {
	Submit(ctx context.Context, action domain.QueuedAction) (domain.SubmitResponse, error)
	Health(ctx context.Context) error
}
