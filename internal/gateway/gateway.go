// Package gateway is the entry point feature code uses for state-changing
// calls. Online, a call goes straight to the request pipeline; offline (or
// when the link drops mid-request) a queueable call is persisted for the
// drainer instead of failing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/notify"
	"github.com/tbourn/go-offline-gateway/internal/observability"
	"github.com/tbourn/go-offline-gateway/internal/pipeline"
	"github.com/tbourn/go-offline-gateway/internal/queue"
)

// Status says how a call ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusQueued    Status = "queued"
)

// Sender sends one request; *pipeline.Client implements it.
type Sender interface {
	Send(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Connectivity reports the current network state; *connectivity.Monitor
// implements it.
type Connectivity interface {
	IsOnline() bool
}

// Mutation is one state-changing call.
type Mutation struct {
	Endpoint string
	Method   string
	Body     json.RawMessage
	// IdempotencyKey identifies the user action. Retries of the same action
	// must pass the key they got the first time.
	IdempotencyKey string
	Headers        map[string]string
}

// Policy declares whether a call may be deferred while offline.
type Policy struct {
	QueueableOffline bool
	// ActionType tags queued records so sync notifications can be routed.
	ActionType string
}

// Outcome is the result of Execute.
type Outcome struct {
	Status         Status             `json:"status"`
	Response       *pipeline.Response `json:"response,omitempty"`
	QueueID        int64              `json:"queue_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// Gateway decides between sending now and queueing for later.
type Gateway struct {
	sender   Sender
	conn     Connectivity
	queue    queue.Store
	notifier notify.Notifier
	validate *validatorv10.Validate
	tracer   trace.Tracer
}

// New wires a Gateway. notifier may be nil.
func New(sender Sender, conn Connectivity, store queue.Store, notifier notify.Notifier) *Gateway {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Gateway{
		sender:   sender,
		conn:     conn,
		queue:    store,
		notifier: notifier,
		validate: newValidator(),
		tracer:   observability.Tracer(),
	}
}

// NewKey mints an idempotency key for a new user action. Feature code that
// may retry the action should mint once and pass the key on every attempt.
func NewKey() string { return domain.NewIdempotencyKey() }

// Execute runs m under policy. It never retries: the call either completes
// online or exactly one record is queued. Errors other than a queueable
// NetworkError propagate unchanged.
func (g *Gateway) Execute(ctx context.Context, m Mutation, policy Policy) (out Outcome, err error) {
	m.Method = strings.ToUpper(strings.TrimSpace(m.Method))
	m.Endpoint = strings.TrimSpace(m.Endpoint)
	if verr := g.validate.Struct(call{
		Endpoint:       m.Endpoint,
		Method:         m.Method,
		IdempotencyKey: m.IdempotencyKey,
		Queueable:      policy.QueueableOffline,
		ActionType:     policy.ActionType,
	}); verr != nil {
		observability.Mutations.WithLabelValues(observability.OutcomeInvalid).Inc()
		return Outcome{}, validationError(verr)
	}

	// Mint once: the online attempt and a fallback queue record share it, so
	// a request that reached the server before the link dropped is deduplicated.
	if m.IdempotencyKey == "" && domain.Mutating(m.Method) {
		m.IdempotencyKey = domain.NewIdempotencyKey()
	}

	online := g.conn.IsOnline()
	ctx, span := g.tracer.Start(ctx, "gateway.execute", trace.WithAttributes(
		attribute.String("gateway.endpoint", m.Endpoint),
		attribute.String("gateway.action_type", policy.ActionType),
		attribute.Bool("gateway.queueable", policy.QueueableOffline),
		attribute.Bool("gateway.online", online),
	))
	defer func() {
		label := outcomeLabel(out, err)
		observability.Mutations.WithLabelValues(label).Inc()
		span.SetAttributes(attribute.String("gateway.outcome", label))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if !online {
		if !policy.QueueableOffline {
			return Outcome{}, &pipeline.NetworkError{Op: "offline", Err: errors.New("device is offline")}
		}
		return g.enqueue(ctx, m, policy)
	}

	resp, err := g.sender.Send(ctx, pipeline.Request{
		Endpoint:       m.Endpoint,
		Method:         m.Method,
		Body:           m.Body,
		Headers:        m.Headers,
		IdempotencyKey: m.IdempotencyKey,
	})
	if err == nil {
		return Outcome{Status: StatusCompleted, Response: resp, IdempotencyKey: m.IdempotencyKey}, nil
	}
	if policy.QueueableOffline && pipeline.IsNetwork(err) {
		log.Info().Err(err).
			Str("action_type", policy.ActionType).
			Str("endpoint", m.Endpoint).
			Msg("network failure while online, queueing mutation")
		return g.enqueue(ctx, m, policy)
	}
	return Outcome{}, err
}

func (g *Gateway) enqueue(ctx context.Context, m Mutation, policy Policy) (Outcome, error) {
	body := m.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	id, err := g.queue.Enqueue(ctx, domain.QueuedMutation{
		ActionType:     policy.ActionType,
		Endpoint:       m.Endpoint,
		Method:         m.Method,
		Body:           []byte(body),
		IdempotencyKey: m.IdempotencyKey,
	})
	if err != nil {
		return Outcome{}, err
	}
	if n, lerr := g.queue.Len(ctx); lerr == nil {
		observability.QueueDepth.Set(float64(n))
	}
	log.Info().
		Int64("queue_id", id).
		Str("action_type", policy.ActionType).
		Str("idempotency_key", m.IdempotencyKey).
		Msg("mutation queued")
	g.notifier.OnQueued(policy.ActionType)
	return Outcome{Status: StatusQueued, QueueID: id, IdempotencyKey: m.IdempotencyKey}, nil
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case err == nil && out.Status == StatusQueued:
		return observability.OutcomeQueued
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, queue.ErrQueueFull):
		return observability.OutcomeQueueFull
	case pipeline.IsSessionExpired(err):
		return observability.OutcomeSessionExpired
	case pipeline.IsNetwork(err):
		return observability.OutcomeNetworkError
	}
	if _, ok := pipeline.AsServerError(err); ok {
		return observability.OutcomeServerError
	}
	return observability.OutcomeInvalid
}
