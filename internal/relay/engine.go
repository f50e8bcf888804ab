// Package relay pairs client and app-stream connections by relay key and
// forwards messages between the two endpoints of an established session.
//
// The transport calls Open when a connection is accepted, Handle for every
// inbound frame and Close exactly once when the connection ends. Handle is
// called sequentially per connection and concurrently across connections.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
	"github.com/matst80/wsrelay/internal/registry"
	"github.com/matst80/wsrelay/internal/session"
)

const (
	reasonInvalid         = "invalid message"
	reasonUnsupported     = "unsupported message"
	reasonAlreadyPaired   = "already registered"
	reasonSessionFailed   = "relay session failed"
	reasonPeerGone        = "peer disconnected"
	reasonPeerUnavailable = "peer unavailable"
	reasonPairingTimeout  = "pairing timeout"
	reasonShutdown        = "server shutting down"
)

type Engine struct {
	reg      *registry.Registry
	conns    *connTable
	presence *Presence
}

type Option func(*Engine)

// WithPresence mirrors key presence through p.
func WithPresence(p *Presence) Option {
	return func(e *Engine) { e.presence = p }
}

func NewEngine(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{reg: reg, conns: newConnTable()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Presence returns the configured presence mirror, which may be nil.
func (e *Engine) Presence() *Presence { return e.presence }

// Connections is the number of open endpoints.
func (e *Engine) Connections() int { return e.conns.len() }

// Open records a newly accepted connection. remote may be empty.
func (e *Engine) Open(ep Endpoint, remote string) {
	e.conns.add(ep)
	obs.Connections.Inc()
	if remote == "" {
		obs.Info("relay.open", obs.Fields{"endpoint": ep.ID(), "remote": "unknown"})
		return
	}
	obs.Info("relay.open", obs.Fields{"endpoint": ep.ID(), "remote": remote})
}

// Handle dispatches one inbound frame from ep.
func (e *Engine) Handle(ctx context.Context, ep Endpoint, raw []byte) {
	obs.Debug("relay.message", obs.Fields{"endpoint": ep.ID(), "bytes": len(raw)})
	msg, err := proto.Decode(raw)
	if err != nil {
		obs.Debug("relay.decode", obs.Fields{"endpoint": ep.ID(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("decode").Inc()
		e.Reject(ctx, ep, CloseInvalid, reasonInvalid)
		return
	}
	switch msg.Type {
	case proto.TypePing:
		if err := ep.Send(proto.Pong()); err != nil {
			obs.Debug("relay.pong", obs.Fields{"endpoint": ep.ID(), "err": err.Error()})
		}
	case proto.TypeClientRegister:
		e.register(ctx, ep, msg.Registration.Key, session.RoleClient)
	case proto.TypeAppStreamRegister:
		e.register(ctx, ep, msg.Registration.Key, session.RoleAppStream)
	default:
		e.forward(ctx, ep, raw)
	}
}

func (e *Engine) register(ctx context.Context, ep Endpoint, key string, role session.Role) {
	snap, err := e.reg.Register(key, ep.ID(), role)
	if err != nil {
		obs.Info("relay.register_rejected", obs.Fields{"endpoint": ep.ID(), "role": role.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("register_terminal").Inc()
		e.Reject(ctx, ep, CloseUnsupported, reasonAlreadyPaired)
		return
	}
	fields := obs.Fields{"endpoint": ep.ID(), "role": role.String(), "session": snap.ID}
	switch snap.State.Kind {
	case session.Failure:
		fields["reason"] = snap.State.Reason
		obs.Info("relay.session_failed", fields)
		obs.ErrorsTotal.WithLabelValues("state_machine").Inc()
		e.closeAll(snap.Endpoints, ClosePolicyViolation, reasonSessionFailed)
		e.teardown(ctx, ep.ID())
	case session.Established:
		obs.Info("relay.paired", fields)
		obs.PairedTotal.Inc()
		e.mirror(ctx, snap)
	default:
		obs.Info("relay.waiting", fields)
		e.mirror(ctx, snap)
	}
}

// forward relays raw verbatim to the other endpoint of the sender's session.
func (e *Engine) forward(ctx context.Context, ep Endpoint, raw []byte) {
	id := ep.ID()
	snap, ok := e.reg.Lookup(id)
	if !ok || snap.State.Kind != session.Established {
		obs.ErrorsTotal.WithLabelValues("unsupported").Inc()
		e.Reject(ctx, ep, CloseUnsupported, reasonUnsupported)
		return
	}
	peerID, _ := snap.State.Peer(id)
	peer, ok := e.conns.get(peerID)
	if !ok {
		e.peerUnavailable(ctx, ep, nil, ErrPeerUnavailable)
		return
	}
	if err := peer.Send(raw); err != nil {
		e.peerUnavailable(ctx, ep, peer, err)
		return
	}
	direction := "appstream_to_client"
	if id == snap.State.Client {
		direction = "client_to_appstream"
	}
	obs.RelayedMessagesTotal.WithLabelValues(direction).Inc()
	obs.RelayedBytesTotal.Add(float64(len(raw)))
}

func (e *Engine) peerUnavailable(ctx context.Context, ep, peer Endpoint, err error) {
	obs.Info("relay.peer_unavailable", obs.Fields{"endpoint": ep.ID(), "err": err.Error()})
	obs.ErrorsTotal.WithLabelValues("peer_unavailable").Inc()
	if peer != nil {
		e.closeEndpoint(peer, CloseNormal, reasonPeerUnavailable)
	}
	e.Reject(ctx, ep, CloseNormal, reasonPeerUnavailable)
}

// Close runs the teardown for a connection that has ended. Closing one side
// of an established session closes the other side too; both tokens are
// released before Close returns, so nothing is routed to them afterwards.
func (e *Engine) Close(ctx context.Context, ep Endpoint) {
	id := ep.ID()
	if e.conns.remove(id) {
		obs.Connections.Dec()
	}
	e.teardown(ctx, id)
}

// Reject closes ep with code and releases its session at once, so nothing
// can pair with or route to ep while its transport is still shutting down.
func (e *Engine) Reject(ctx context.Context, ep Endpoint, code CloseCode, reason string) {
	e.closeEndpoint(ep, code, reason)
	e.teardown(ctx, ep.ID())
}

// teardown releases the session bound to id and closes every other endpoint
// that was bound to it. It is a no-op once the session is gone.
func (e *Engine) teardown(ctx context.Context, id session.EndpointID) {
	snap, ok := e.reg.Release(id)
	if !ok {
		obs.Debug("relay.close", obs.Fields{"endpoint": id})
		return
	}
	fields := obs.Fields{"endpoint": id, "session": snap.ID, "state": snap.State.Kind.String()}
	if snap.State.Kind == session.Established {
		obs.SessionDurationSeconds.Observe(time.Since(snap.Established).Seconds())
		obs.Info("relay.teardown", fields)
	} else {
		obs.Info("relay.close", fields)
	}
	others := make([]session.EndpointID, 0, len(snap.Endpoints))
	for _, other := range snap.Endpoints {
		if other != id {
			others = append(others, other)
		}
	}
	e.closeAll(others, CloseNormal, reasonPeerGone)
	e.presence.clear(ctx, snap)
}

// ExpirePending closes endpoints that waited longer than maxAge for a partner
// and returns how many pairings expired. A maxAge <= 0 expires all of them.
func (e *Engine) ExpirePending(ctx context.Context, maxAge time.Duration) int {
	expired := e.reg.ExpirePending(maxAge)
	for _, snap := range expired {
		obs.Info("relay.pending_timeout", obs.Fields{"session": snap.ID})
		obs.PendingTimeoutTotal.Inc()
		e.closeAll(snap.Endpoints, CloseNormal, reasonPairingTimeout)
		e.presence.clear(ctx, snap)
	}
	return len(expired)
}

// RefreshPresence rewrites the presence record of every live key so it outlives its TTL.
func (e *Engine) RefreshPresence(ctx context.Context) {
	if e.presence == nil {
		return
	}
	for _, snap := range e.reg.Sessions() {
		e.mirror(ctx, snap)
	}
}

// Shutdown closes every open connection with a going-away code.
func (e *Engine) Shutdown() {
	for _, ep := range e.conns.all() {
		e.closeEndpoint(ep, CloseGoingAway, reasonShutdown)
	}
}

func (e *Engine) closeAll(ids []session.EndpointID, code CloseCode, reason string) {
	for _, id := range ids {
		if ep, ok := e.conns.get(id); ok {
			e.closeEndpoint(ep, code, reason)
		}
	}
}

func (e *Engine) closeEndpoint(ep Endpoint, code CloseCode, reason string) {
	err := ep.Close(code, reason)
	if errors.Is(err, ErrAlreadyClosed) {
		return
	}
	obs.ClosesTotal.WithLabelValues(code.String()).Inc()
	if err != nil {
		obs.Debug("relay.close_endpoint", obs.Fields{"endpoint": ep.ID(), "err": err.Error()})
	}
}

// mirror writes snap's presence record. The write happens outside the
// registry lock, so if the session was released meanwhile the record is
// cleared again; a release that comes later clears it itself. Two writes for
// the same live session may still land out of order, leaving a stale state
// until the next RefreshPresence.
func (e *Engine) mirror(ctx context.Context, snap registry.Snapshot) {
	if e.presence == nil {
		return
	}
	e.presence.mark(ctx, snap)
	if !e.reg.Active(snap.ID) {
		e.presence.clear(ctx, snap)
	}
}
