// Package registry tracks pending pairings and the sessions bound to live endpoints.
//
// Sessions live in an arena keyed by a generated session id. Endpoint tokens
// map to a session id, so both endpoints of a pair reach the same record
// without sharing a pointer. A single mutex covers the pending map, the
// bindings and the arena: pairing must observe and mutate all three at once.
// No network I/O ever happens under the lock.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/session"
)

var (
	ErrUnknownEndpoint = errors.New("endpoint has no session")
	ErrAlreadyBound    = errors.New("endpoint already bound to a session")
	ErrTerminal        = errors.New("session is terminal")
)

const reasonKeyInUse = "relay key already in use"

type record struct {
	id          string
	key         string
	state       session.State
	endpoints   map[session.EndpointID]struct{}
	created     time.Time
	established time.Time
}

// pendingEntry is the first endpoint to register under a relay key.
type pendingEntry struct {
	endpoint session.EndpointID
	created  time.Time
}

// Snapshot is a copy of a session taken under the lock.
type Snapshot struct {
	ID          string
	Key         string
	State       session.State
	Endpoints   []session.EndpointID
	Created     time.Time
	Established time.Time
}

// Stats summarises the registry for dashboards.
type Stats struct {
	Endpoints   int
	Pending     int
	Established int
	PairedTotal int64
	Timeouts    int64
}

type Registry struct {
	mu       sync.Mutex
	pending  map[string]pendingEntry       // relay key -> first arrival
	bindings map[session.EndpointID]string // endpoint -> session id
	sessions map[string]*record            // session id -> session
	live     map[string]string             // relay key -> id of its established session
	now      func() time.Time

	pairedTotal int64
	timeouts    int64
}

func New() *Registry {
	return &Registry{
		pending:  make(map[string]pendingEntry),
		bindings: make(map[session.EndpointID]string),
		sessions: make(map[string]*record),
		live:     make(map[string]string),
		now:      time.Now,
	}
}

// Coordinate binds id to the session for key. The first arrival under a key
// takes the pending slot; the second consumes it and is bound to the first
// arrival's session. It returns the session id both endpoints now share.
func (r *Registry) Coordinate(key string, id session.EndpointID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[id]; ok {
		return "", ErrAlreadyBound
	}
	rec := r.coordinateLocked(key, id)
	r.updateGaugesLocked()
	return rec.id, nil
}

// Register coordinates id under key and applies the registration event for
// role in one critical section, so concurrent registrations for a key are
// totally ordered.
//
// A registration against a key that already has an established pair gets a
// fresh session in Failure. A repeated registration from a bound endpoint is
// applied to its existing session, which fails unless it is terminal, in
// which case ErrTerminal is returned and nothing changes.
func (r *Registry) Register(key string, id session.EndpointID, role session.Role) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.updateGaugesLocked()

	ev := session.Event{Role: role, Endpoint: id}
	if sid, ok := r.bindings[id]; ok {
		rec := r.sessions[sid]
		if rec.state.Terminal() {
			return snapshotOf(rec), ErrTerminal
		}
		if p, ok := r.pending[rec.key]; ok && p.endpoint == id {
			delete(r.pending, rec.key)
		}
		r.applyLocked(rec, ev)
		return snapshotOf(rec), nil
	}

	if _, ok := r.live[key]; ok {
		rec := r.newRecordLocked(key)
		r.bindLocked(id, rec)
		rec.state = session.Failed(reasonKeyInUse)
		return snapshotOf(rec), nil
	}

	rec := r.coordinateLocked(key, id)
	r.applyLocked(rec, ev)
	return snapshotOf(rec), nil
}

// Apply drives the session bound to id with ev. Terminal sessions are left untouched.
func (r *Registry) Apply(id session.EndpointID, ev session.Event) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.bindings[id]
	if !ok {
		return Snapshot{}, ErrUnknownEndpoint
	}
	rec := r.sessions[sid]
	if rec.state.Terminal() {
		return snapshotOf(rec), ErrTerminal
	}
	r.applyLocked(rec, ev)
	r.updateGaugesLocked()
	return snapshotOf(rec), nil
}

// Active reports whether the session with the given id still exists.
func (r *Registry) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Lookup returns the session bound to id.
func (r *Registry) Lookup(id session.EndpointID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.bindings[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(r.sessions[sid]), true
}

// Release drops the session bound to id together with every other endpoint
// bound to it and any pending slot it holds. The returned snapshot lists all
// endpoints that were bound; the caller closes the ones still open. A
// non-terminal session only ever has its waiting endpoint bound, because the
// second binding and its transition happen in one critical section.
func (r *Registry) Release(id session.EndpointID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.bindings[id]
	if !ok {
		return Snapshot{}, false
	}
	rec := r.sessions[sid]
	snap := snapshotOf(rec)
	r.dropLocked(rec)
	r.updateGaugesLocked()
	return snap, true
}

// ExpirePending removes pending pairings older than maxAge and their
// sessions. A maxAge <= 0 expires every pending pairing.
func (r *Registry) ExpirePending(maxAge time.Duration) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	var expired []Snapshot
	for key, p := range r.pending {
		if maxAge > 0 && !p.created.Before(cutoff) {
			continue
		}
		delete(r.pending, key)
		sid, ok := r.bindings[p.endpoint]
		if !ok {
			continue
		}
		rec := r.sessions[sid]
		expired = append(expired, snapshotOf(rec))
		r.dropLocked(rec)
	}
	r.timeouts += int64(len(expired))
	r.updateGaugesLocked()
	return expired
}

// Sessions returns a snapshot of every session that holds a relay key, pending or established.
func (r *Registry) Sessions() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.pending)+len(r.live))
	for _, rec := range r.sessions {
		if rec.state.Kind == session.Failure {
			continue
		}
		out = append(out, snapshotOf(rec))
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Endpoints:   len(r.bindings),
		Pending:     len(r.pending),
		Established: len(r.live),
		PairedTotal: r.pairedTotal,
		Timeouts:    r.timeouts,
	}
}

func (r *Registry) coordinateLocked(key string, id session.EndpointID) *record {
	if p, ok := r.pending[key]; ok {
		delete(r.pending, key)
		rec := r.sessionOfLocked(p.endpoint, key)
		r.bindLocked(id, rec)
		return rec
	}
	r.pending[key] = pendingEntry{endpoint: id, created: r.now()}
	return r.sessionOfLocked(id, key)
}

// sessionOfLocked returns the session bound to id, creating and binding a
// NotConnected one if there is none.
func (r *Registry) sessionOfLocked(id session.EndpointID, key string) *record {
	if sid, ok := r.bindings[id]; ok {
		return r.sessions[sid]
	}
	rec := r.newRecordLocked(key)
	r.bindLocked(id, rec)
	return rec
}

func (r *Registry) newRecordLocked(key string) *record {
	rec := &record{
		id:        uuid.NewString(),
		key:       key,
		state:     session.Initial(),
		endpoints: make(map[session.EndpointID]struct{}, 2),
		created:   r.now(),
	}
	r.sessions[rec.id] = rec
	return rec
}

func (r *Registry) bindLocked(id session.EndpointID, rec *record) {
	r.bindings[id] = rec.id
	rec.endpoints[id] = struct{}{}
}

func (r *Registry) applyLocked(rec *record, ev session.Event) {
	rec.state = session.Transition(rec.state, ev)
	if rec.state.Kind == session.Established {
		rec.established = r.now()
		r.live[rec.key] = rec.id
		r.pairedTotal++
	}
}

func (r *Registry) dropLocked(rec *record) {
	for ep := range rec.endpoints {
		delete(r.bindings, ep)
		if p, ok := r.pending[rec.key]; ok && p.endpoint == ep {
			delete(r.pending, rec.key)
		}
	}
	if r.live[rec.key] == rec.id {
		delete(r.live, rec.key)
	}
	delete(r.sessions, rec.id)
}

func (r *Registry) updateGaugesLocked() {
	obs.PendingPairs.Set(float64(len(r.pending)))
	obs.EstablishedSessions.Set(float64(len(r.live)))
}

func snapshotOf(rec *record) Snapshot {
	eps := make([]session.EndpointID, 0, len(rec.endpoints))
	for ep := range rec.endpoints {
		eps = append(eps, ep)
	}
	return Snapshot{
		ID:          rec.id,
		Key:         rec.key,
		State:       rec.state,
		Endpoints:   eps,
		Created:     rec.created,
		Established: rec.established,
	}
}
