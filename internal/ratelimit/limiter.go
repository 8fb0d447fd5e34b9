package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupportedBackend indicates an unknown backend identifier.
	ErrUnsupportedBackend = errors.New("ratelimit: unsupported backend")
)

// Result reports the outcome of a single limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	TotalHits int
}

// Limiter enforces a sliding-window limit for one named scope. Distinct
// scopes hold distinct limiters and never share state.
type Limiter interface {
	// Check prunes the trailing window for key, records the hit when
	// capacity remains and reports the window state. Concurrent checks
	// against the same key are serialized; a consumed slot is never
	// rolled back on caller cancellation.
	Check(ctx context.Context, key string) (Result, error)
}

// Config describes one scope's window.
type Config struct {
	Scope       string
	MaxRequests int
	Window      time.Duration
}

func (c Config) validate() error {
	if c.Scope == "" {
		return errors.New("ratelimit: scope required")
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("ratelimit: scope %q: max requests must be positive", c.Scope)
	}
	if c.Window <= 0 {
		return fmt.Errorf("ratelimit: scope %q: window must be positive", c.Scope)
	}
	return nil
}

// Options groups limiter backend configuration.
type Options struct {
	Local *LocalOptions
	Redis *RedisOptions
}

// Factory constructs a Limiter for cfg based on backend identifier.
func Factory(backend string, cfg Config, opts Options) (Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch backend {
	case "", "local":
		var local LocalOptions
		if opts.Local != nil {
			local = *opts.Local
		}
		return newLocal(cfg, local), nil
	case "redis":
		if opts.Redis == nil {
			return nil, errors.New("ratelimit: redis backend requires configuration")
		}
		return newRedis(cfg, *opts.Redis)
	default:
		return nil, fmt.Errorf("%w %s", ErrUnsupportedBackend, backend)
	}
}

// RedisOptions configure the Redis-backed limiter.
type RedisOptions struct {
	Client    RedisClient
	KeyPrefix string
}

// RedisClient defines the minimal Redis operations required.
type RedisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) (any, error)
	ScriptLoad(ctx context.Context, script string) (string, error)
}
