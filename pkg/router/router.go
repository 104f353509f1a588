// Package router is the request entry point: it validates input, resolves
// the session, classifies the prompt and dispatches it to an agent.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/harun/realty/internal/observability"
	"github.com/harun/realty/internal/tracing"
	"github.com/harun/realty/pkg/agent"
	"github.com/harun/realty/pkg/classifier"
	"github.com/harun/realty/pkg/commandqueue"
	"github.com/harun/realty/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Classifier assigns a category to a prompt. *classifier.Classifier and
// *classifier.Source implement it.
type Classifier interface {
	Classify(prompt string) classifier.Category
}

// Sessions resolves a session key to its history handle.
type Sessions interface {
	GetOrCreate(ctx context.Context, key string) (*session.History, error)
}

// Dispatcher runs the agent bound to a category.
type Dispatcher interface {
	Dispatch(ctx context.Context, category classifier.Category, prompt string, history agent.History) (agent.Result, error)
}

// Config wires a Coordinator. Queue is optional; without it requests for
// the same session are not serialized.
type Config struct {
	Classifier Classifier
	Sessions   Sessions
	Dispatcher Dispatcher
	Queue      *commandqueue.CommandQueue
	Logger     *zerolog.Logger

	// QueueWarnAfter logs requests that wait this long behind earlier
	// requests of the same session.
	QueueWarnAfter time.Duration
}

// Response is the normalized answer to one request.
type Response struct {
	Agent     string      `json:"agent"`
	SessionID string      `json:"session_id"`
	Result    interface{} `json:"result"`
}

// Coordinator handles requests. It is safe for concurrent use.
type Coordinator struct {
	classifier Classifier
	sessions   Sessions
	dispatcher Dispatcher
	queue      *commandqueue.CommandQueue
	warnAfter  time.Duration
	logger     zerolog.Logger
}

// New validates cfg and returns a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Classifier == nil {
		return nil, errors.New("router: classifier is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("router: session store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("router: dispatcher is required")
	}

	c := &Coordinator{
		classifier: cfg.Classifier,
		sessions:   cfg.Sessions,
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		warnAfter:  cfg.QueueWarnAfter,
		logger:     log.Logger,
	}
	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	}
	return c, nil
}

type outcome struct {
	category classifier.Category
	result   agent.Result
}

// Handle serves one prompt for sessionID. Any returned error is a
// *RequestError: KindClient for blank input, KindServer for everything
// that failed after validation.
func (c *Coordinator) Handle(ctx context.Context, prompt, sessionID string) (*Response, error) {
	prompt = strings.TrimSpace(prompt)
	sessionID = strings.TrimSpace(sessionID)
	if prompt == "" {
		return nil, clientError(msgEmptyPrompt)
	}
	if sessionID == "" {
		return nil, clientError(msgEmptySessionID)
	}

	ctx = tracing.WithSessionKey(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "realty.router", "router.handle",
		tracing.AttrSessionKey.String(sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	start := time.Now()
	out, err := c.serialize(ctx, sessionID, func(ctx context.Context) (*outcome, error) {
		return c.route(ctx, prompt, sessionID)
	})
	if err != nil {
		tracing.RecordError(span, err)
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Request failed")
		return nil, serverError(err)
	}

	logger.Info().
		Str("category", string(out.category)).
		Str("agent", out.result.Agent).
		Dur("duration", time.Since(start)).
		Msg("Request handled")

	return &Response{
		Agent:     out.result.Agent,
		SessionID: sessionID,
		Result:    Normalize(out.result.Output),
	}, nil
}

func (c *Coordinator) serialize(ctx context.Context, sessionID string, fn func(context.Context) (*outcome, error)) (*outcome, error) {
	if c.queue == nil {
		return fn(ctx)
	}

	opts := &commandqueue.TaskOptions{WarnAfter: c.warnAfter}
	v, err := c.queue.Enqueue(ctx, commandqueue.SessionLane(sessionID), func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}, opts)
	if err != nil {
		return nil, err
	}
	return v.(*outcome), nil
}

func (c *Coordinator) route(ctx context.Context, prompt, sessionID string) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	history, err := c.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	_, span := tracing.StartSpan(ctx, "realty.router", "router.classify")
	category := c.classifier.Classify(prompt)
	span.SetAttributes(tracing.AttrCategory.String(string(category)))
	span.End()
	observability.RecordClassification(string(category))

	result, err := c.dispatcher.Dispatch(ctx, category, prompt, history)
	if err != nil {
		return nil, err
	}
	return &outcome{category: category, result: result}, nil
}
