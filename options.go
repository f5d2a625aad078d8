package flowrt

import (
	"github.com/flowrt/flowrt/arena"
	"github.com/flowrt/flowrt/backend"
	"github.com/rs/zerolog"
)

// config holds the resolved configuration for a new Loop.
type config struct {
	backendPreference backend.Type
	arena              arena.Arena
	threadPoolSize     int
	maxEvents          int
	logger             zerolog.Logger
}

// Option configures a Loop at creation time.
type Option interface {
	apply(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) apply(cfg *config) error { return f(cfg) }

// WithBackend requests a specific I/O backend. If the backend is not
// available on the current platform, New falls back to the platform
// default and the requested preference is ignored.
func WithBackend(t backend.Type) Option {
	return optionFunc(func(cfg *config) error {
		cfg.backendPreference = t
		return nil
	})
}

// WithArena supplies the arena returned by Loop.Arena, from which the HTTP
// server allocates its read buffers; coroutines and streams do not
// allocate from it. Defaults to arena.NewSlab().
func WithArena(a arena.Arena) Option {
	return optionFunc(func(cfg *config) error {
		cfg.arena = a
		return nil
	})
}

// WithThreadPoolSize sets the number of workers in the Loop's blocking
// thread pool (see flowrt/pool). Zero disables the pool; Loop.Pool then
// returns nil.
func WithThreadPoolSize(n int) Option {
	return optionFunc(func(cfg *config) error {
		cfg.threadPoolSize = n
		return nil
	})
}

// WithMaxEvents records a bound on the number of I/O events drained per
// backend Poll call. The value is stored on the Loop but no backend reads
// it.
func WithMaxEvents(n int) Option {
	return optionFunc(func(cfg *config) error {
		cfg.maxEvents = n
		return nil
	})
}

// WithLogger overrides the Loop's structured logger. Defaults to a disabled
// logger (zerolog.Nop()) so embedding applications pay no cost unless they
// opt in.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(cfg *config) error {
		cfg.logger = logger
		return nil
	})
}

// resolveOptions applies every Option to a fresh config with defaults set.
func resolveOptions(opts []Option) (*config, error) {
	cfg := &config{
		backendPreference: backend.TypeAuto,
		arena:             arena.NewSlab(),
		threadPoolSize:    4,
		logger:            zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
