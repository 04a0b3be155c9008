// Package handlers exposes the gateway to the view layer over loopback HTTP.
//
// Endpoints:
//   - POST /v1/mutations          (execute a mutation, maybe queued)
//   - GET  /v1/queue              (pending records and stats)
//   - POST /v1/queue/drain        (manual drain)
//   - GET  /v1/notifications      (sync events since a sequence)
//   - GET|POST /v1/connectivity   (read or report network state)
//   - POST /v1/session/login, POST /v1/session/logout, GET /v1/session
//
// Handlers are transport-thin: they bind input, call the gateway
// components and translate results into the shared envelopes.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/drainer"
	"github.com/tbourn/go-offline-gateway/internal/gateway"
	"github.com/tbourn/go-offline-gateway/internal/notify"
	"github.com/tbourn/go-offline-gateway/internal/pipeline"
)

// Executor runs one mutation; *gateway.Gateway implements it.
type Executor interface {
	Execute(ctx context.Context, m gateway.Mutation, policy gateway.Policy) (gateway.Outcome, error)
}

// QueueReader lists pending records; queue.Store implements it.
type QueueReader interface {
	List(ctx context.Context) ([]domain.QueuedMutation, error)
}

// Drainer replays the queue on demand; *drainer.Drainer implements it.
type Drainer interface {
	Drain(ctx context.Context) (drainer.Result, error)
}

// EventFeed is the polled notification source; *notify.Feed implements it.
type EventFeed interface {
	Since(seq uint64) []notify.Event
	LastSeq() uint64
}

// Connectivity reads and injects the network state; *connectivity.Monitor
// implements it.
type Connectivity interface {
	IsOnline() bool
	Report(online bool)
}

// Session manages the stored credential; *pipeline.Client implements it.
type Session interface {
	Login(ctx context.Context, endpoint string, body json.RawMessage) (*pipeline.Response, error)
	Logout(ctx context.Context) error
	Profile(ctx context.Context) (json.RawMessage, error)
}

// Deps bundles what the handlers call into.
type Deps struct {
	Gateway      Executor
	Queue        QueueReader
	Drainer      Drainer
	Feed         EventFeed
	Connectivity Connectivity
	Session      Session

	// QueueBackend names the active queue backend ("sqlite" or "kv").
	QueueBackend string
	// LoginEndpoint is the remote path credentials are posted to.
	LoginEndpoint string
}

// Handlers groups the agent endpoints.
type Handlers struct {
	gw            Executor
	queue         QueueReader
	drainer       Drainer
	feed          EventFeed
	conn          Connectivity
	session       Session
	backend       string
	loginEndpoint string
}

// New constructs Handlers bound to deps.
func New(deps Deps) *Handlers {
	return &Handlers{
		gw:            deps.Gateway,
		queue:         deps.Queue,
		drainer:       deps.Drainer,
		feed:          deps.Feed,
		conn:          deps.Connectivity,
		session:       deps.Session,
		backend:       deps.QueueBackend,
		loginEndpoint: deps.LoginEndpoint,
	}
}
