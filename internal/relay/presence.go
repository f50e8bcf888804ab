package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matst80/wsrelay/internal/kv"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/registry"
	"github.com/matst80/wsrelay/internal/session"
)

const presenceTimeout = 2 * time.Second

// PresenceRecord is what the store holds for a relay key.
type PresenceRecord struct {
	State    string    `json:"state"`
	Session  string    `json:"session"`
	Instance string    `json:"instance"`
	Updated  time.Time `json:"updated"`
}

// Presence mirrors which relay keys are pending or established into a kv.Store.
// Keys are stored hashed. Every write is best effort: failures are logged and
// counted but never affect pairing or relaying. A nil *Presence is a no-op.
type Presence struct {
	store    kv.Store
	instance string
	ttl      time.Duration
	now      func() time.Time
}

func NewPresence(store kv.Store, instance string, ttl time.Duration) *Presence {
	return &Presence{store: store, instance: instance, ttl: ttl, now: time.Now}
}

// PresenceKey is the store key for relayKey.
func PresenceKey(relayKey string) string {
	sum := sha256.Sum256([]byte(relayKey))
	return "relay:key:" + hex.EncodeToString(sum[:])
}

func presenceState(k session.Kind) (string, bool) {
	switch k {
	case session.ClientRegistered, session.AppStreamRegistered:
		return "pending", true
	case session.Established:
		return "established", true
	default:
		return "", false
	}
}

func (p *Presence) mark(ctx context.Context, snap registry.Snapshot) {
	if p == nil {
		return
	}
	state, ok := presenceState(snap.State.Kind)
	if !ok {
		return
	}
	b, err := json.Marshal(PresenceRecord{State: state, Session: snap.ID, Instance: p.instance, Updated: p.now().UTC()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if err := p.store.Set(ctx, PresenceKey(snap.Key), string(b), p.ttl); err != nil {
		obs.Error("presence.set", obs.Fields{"err": err.Error(), "session": snap.ID})
		obs.ErrorsTotal.WithLabelValues("presence_set").Inc()
	}
}

// clear deletes the record for snap's key if it still belongs to snap's session.
func (p *Presence) clear(ctx context.Context, snap registry.Snapshot) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	key := PresenceKey(snap.Key)
	rec, err := p.lookupKey(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		obs.Error("presence.get", obs.Fields{"err": err.Error(), "session": snap.ID})
		obs.ErrorsTotal.WithLabelValues("presence_get").Inc()
		return
	}
	if rec.Session != snap.ID {
		return
	}
	if err := p.store.Delete(ctx, key); err != nil {
		obs.Error("presence.delete", obs.Fields{"err": err.Error(), "session": snap.ID})
		obs.ErrorsTotal.WithLabelValues("presence_delete").Inc()
	}
}

// Lookup returns the mirrored record for relayKey, or kv.ErrNotFound.
func (p *Presence) Lookup(ctx context.Context, relayKey string) (PresenceRecord, error) {
	if p == nil {
		return PresenceRecord{}, kv.ErrNotFound
	}
	return p.lookupKey(ctx, PresenceKey(relayKey))
}

func (p *Presence) lookupKey(ctx context.Context, key string) (PresenceRecord, error) {
	raw, err := p.store.Get(ctx, key)
	if err != nil {
		return PresenceRecord{}, err
	}
	var rec PresenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return PresenceRecord{}, fmt.Errorf("decode presence record: %w", err)
	}
	return rec, nil
}
