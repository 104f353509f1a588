package session

import (
	"context"
	"time"

	"github.com/harun/realty/internal/observability"
	"github.com/harun/realty/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// History is the durable conversation of one session. Handles are created
// only by Store.GetOrCreate and are safe for concurrent use.
type History struct {
	key     string
	backend Backend
}

// Key returns the session key the handle is bound to.
func (h *History) Key() string {
	return h.key
}

// Messages returns every persisted message in append order.
func (h *History) Messages(ctx context.Context) ([]Message, error) {
	ctx, span := tracing.StartSpan(ctx, "realty.session", "session.load",
		tracing.AttrSessionKey.String(h.key),
	)
	defer span.End()

	start := time.Now()
	msgs, err := h.backend.Load(ctx, h.key)
	observability.RecordSessionLoad(time.Since(start))
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("messages", len(msgs)))
	return msgs, nil
}

// AppendTurn persists one exchange. Either both messages are stored or,
// on error, neither is.
func (h *History) AppendTurn(ctx context.Context, user, assistant Message) error {
	ctx, span := tracing.StartSpan(ctx, "realty.session", "session.append_turn",
		tracing.AttrSessionKey.String(h.key),
	)
	defer span.End()

	if err := user.validate(RoleUser); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if err := assistant.validate(RoleAssistant); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	now := time.Now().UTC()
	if user.Timestamp.IsZero() {
		user.Timestamp = now
	}
	if assistant.Timestamp.IsZero() {
		assistant.Timestamp = now
	}

	start := time.Now()
	err := h.backend.AppendTurn(ctx, h.key, user, assistant)
	observability.RecordSessionSave(time.Since(start))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return nil
}
