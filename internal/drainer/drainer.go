// Package drainer replays queued mutations once connectivity returns. Records
// are replayed strictly one at a time in insertion order, each with the
// idempotency key it was queued with, so a request the server already applied
// is recognized as a duplicate instead of being applied twice.
package drainer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-offline-gateway/internal/connectivity"
	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/notify"
	"github.com/tbourn/go-offline-gateway/internal/observability"
	"github.com/tbourn/go-offline-gateway/internal/pipeline"
	"github.com/tbourn/go-offline-gateway/internal/queue"
)

var (
	// ErrBusy is returned by Drain while another drain is running.
	ErrBusy = errors.New("drain already in progress")
	// ErrOffline is returned by Drain when the monitor reports offline.
	ErrOffline = errors.New("cannot drain while offline")
)

// Sender replays one request; *pipeline.Client implements it.
type Sender interface {
	Send(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// Signal is the connectivity source; *connectivity.Monitor implements it.
type Signal interface {
	IsOnline() bool
	OnChange(fn connectivity.Listener) (unsubscribe func())
}

// Options tunes replay pacing.
type Options struct {
	// RPS and Burst bound how fast replays hit a just-recovered link.
	RPS   float64
	Burst int
	// RetryInterval re-drains a non-empty queue while online, picking up
	// records left behind by a halted cycle. 0 disables it.
	RetryInterval time.Duration
}

// Result reports one drain cycle.
type Result struct {
	// Succeeded lists ids removed after success or a duplicate answer.
	Succeeded []int64 `json:"succeeded"`
	// Failed lists ids removed after a non-retryable rejection.
	Failed []int64 `json:"failed"`
	// Halted is true when the cycle stopped early on an infrastructure
	// failure; the remaining records stay queued.
	Halted bool `json:"halted"`
	// Remaining is the queue length after the cycle.
	Remaining int `json:"remaining"`
}

// Drainer owns the replay side of the queue.
type Drainer struct {
	sender   Sender
	signal   Signal
	store    queue.Store
	notifier notify.Notifier
	limiter  *rate.Limiter
	retry    time.Duration
	tracer   trace.Tracer

	running sync.Mutex
	kicks   chan string
	wg      sync.WaitGroup
}

// New wires a Drainer. notifier may be nil.
func New(sender Sender, signal Signal, store queue.Store, notifier notify.Notifier, opts Options) *Drainer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &Drainer{
		sender:   sender,
		signal:   signal,
		store:    store,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, burst),
		retry:    opts.RetryInterval,
		tracer:   observability.Tracer(),
		kicks:    make(chan string, 1),
	}
}

// Drain replays every queued record in order. Success and duplicate answers
// remove the record and fire OnSynced; a non-retryable rejection or a record
// that cannot be turned into a request removes it and fires OnSyncFailed; a network failure, an expired session or a
// transient server error bumps the record's retry count and ends the cycle.
// Overlapping calls return ErrBusy.
func (d *Drainer) Drain(ctx context.Context) (Result, error) {
	if !d.running.TryLock() {
		return Result{}, ErrBusy
	}
	defer d.running.Unlock()

	if !d.signal.IsOnline() {
		return Result{}, ErrOffline
	}

	ctx, span := d.tracer.Start(ctx, "drainer.drain")
	defer span.End()

	res := Result{Succeeded: []int64{}, Failed: []int64{}}
	recs, err := d.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	span.SetAttributes(attribute.Int("queue.pending", len(recs)))
	if len(recs) > 0 {
		log.Info().Int("pending", len(recs)).Msg("draining queued mutations")
	}

	for _, rec := range recs {
		if err := d.limiter.Wait(ctx); err != nil {
			return d.finish(ctx, res, err)
		}
		if !d.signal.IsOnline() {
			res.Halted = true
			break
		}
		halt, err := d.replay(ctx, rec, &res)
		if err != nil {
			span.RecordError(err)
			return d.finish(ctx, res, err)
		}
		if halt {
			res.Halted = true
			break
		}
	}
	span.SetAttributes(
		attribute.Int("drain.succeeded", len(res.Succeeded)),
		attribute.Int("drain.failed", len(res.Failed)),
		attribute.Bool("drain.halted", res.Halted),
	)
	return d.finish(ctx, res, nil)
}

// replay sends one record and applies the removal rule. halt reports that the
// cycle must stop; err is a store failure.
func (d *Drainer) replay(ctx context.Context, rec domain.QueuedMutation, res *Result) (halt bool, err error) {
	logger := log.With().
		Int64("queue_id", rec.ID).
		Str("action_type", rec.ActionType).
		Str("idempotency_key", rec.IdempotencyKey).
		Logger()

	resp, sendErr := d.sender.Send(ctx, pipeline.Request{
		Endpoint:       rec.Endpoint,
		Method:         rec.Method,
		Body:           replayBody(rec.Body),
		IdempotencyKey: rec.IdempotencyKey,
	})

	if sendErr == nil {
		result := observability.DrainSynced
		if resp != nil && resp.Replayed {
			result = observability.DrainDuplicate
		}
		return false, d.synced(ctx, rec, res, result)
	}

	if se, ok := pipeline.AsServerError(sendErr); ok {
		switch {
		case se.Duplicate():
			logger.Info().Int("status", se.Status).Str("code", se.Code).Msg("replay already applied by server")
			return false, d.synced(ctx, rec, res, observability.DrainDuplicate)
		case !se.Transient():
			logger.Warn().Int("status", se.Status).Str("code", se.Code).Msg("replay rejected, dropping record")
			return false, d.rejected(ctx, rec, res, se.Message)
		}
	}
	if errors.Is(sendErr, pipeline.ErrInvalidRequest) {
		logger.Warn().Err(sendErr).Msg("queued request cannot be built, dropping record")
		return false, d.rejected(ctx, rec, res, sendErr.Error())
	}

	// Network failure, expired session, transient rejection or an unknown
	// error: keep the record and stop so ordering is preserved.
	observability.DrainedRecords.WithLabelValues(observability.DrainDeferred).Inc()
	logger.Warn().Err(sendErr).Int("retry_count", rec.RetryCount+1).Msg("replay deferred, halting drain")
	if err := d.store.MarkRetry(ctx, rec.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		return true, err
	}
	return true, nil
}

func (d *Drainer) synced(ctx context.Context, rec domain.QueuedMutation, res *Result, result string) error {
	if err := d.store.Remove(ctx, rec.ID); err != nil {
		return err
	}
	observability.DrainedRecords.WithLabelValues(result).Inc()
	res.Succeeded = append(res.Succeeded, rec.ID)
	d.notifier.OnSynced(rec.ActionType, rec.ID)
	return nil
}

func (d *Drainer) rejected(ctx context.Context, rec domain.QueuedMutation, res *Result, reason string) error {
	if err := d.store.Remove(ctx, rec.ID); err != nil {
		return err
	}
	observability.DrainedRecords.WithLabelValues(observability.DrainRejected).Inc()
	res.Failed = append(res.Failed, rec.ID)
	d.notifier.OnSyncFailed(rec.ActionType, rec.ID, reason)
	return nil
}

func (d *Drainer) finish(ctx context.Context, res Result, err error) (Result, error) {
	if n, lerr := d.store.Len(context.WithoutCancel(ctx)); lerr == nil {
		res.Remaining = n
		observability.QueueDepth.Set(float64(n))
	}
	return res, err
}

// Start drains on every offline-to-online transition, once immediately when
// already online with a non-empty queue, and periodically when RetryInterval
// is set. Drains run one after another on a single background goroutine; a
// transition seen while a cycle is running queues one more cycle. Start
// returns immediately; background work stops when ctx is done.
func (d *Drainer) Start(ctx context.Context) {
	unsubscribe := d.signal.OnChange(func(online bool) {
		if online {
			d.kick("reconnect")
		}
	})
	if d.signal.IsOnline() {
		d.kick("startup")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()

		var tick <-chan time.Time
		if d.retry > 0 {
			ticker := time.NewTicker(d.retry)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case reason := <-d.kicks:
				d.run(ctx, reason)
			case <-tick:
				if d.signal.IsOnline() {
					d.run(ctx, "retry")
				}
			}
		}
	}()
}

// Wait blocks until the background goroutine started by Start has returned.
func (d *Drainer) Wait() { d.wg.Wait() }

// kick requests a cycle without blocking; pending requests coalesce.
func (d *Drainer) kick(reason string) {
	select {
	case d.kicks <- reason:
	default:
	}
}

func (d *Drainer) run(ctx context.Context, reason string) {
	for attempt := 0; attempt < 2; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if n, err := d.store.Len(ctx); err == nil && n == 0 {
			return
		}
		res, err := d.Drain(ctx)
		switch {
		case errors.Is(err, ErrBusy):
			// A manual drain holds the lock: wait for it, then go once more.
			d.running.Lock()
			d.running.Unlock()
			continue
		case errors.Is(err, ErrOffline):
		case err != nil:
			log.Error().Err(err).Str("trigger", reason).Msg("drain failed")
		default:
			log.Info().
				Str("trigger", reason).
				Int("succeeded", len(res.Succeeded)).
				Int("failed", len(res.Failed)).
				Bool("halted", res.Halted).
				Int("remaining", res.Remaining).
				Msg("drain finished")
		}
		return
	}
}

func replayBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
