package kv

import "github.com/matst80/wsrelay/internal/obs"

// New creates either an in-memory or Redis-backed store based on opts.
func New(opts Options) (Store, error) {
	if opts.RedisAddr == "" {
		obs.Info("kv.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(opts.CleanupInterval), nil
	}
	obs.Info("kv.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	return NewRedisStore(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
}
