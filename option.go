package bptree

import "github.com/alexhholmes/bptree/internal/cache"

// Options configures tree behavior.
type Options struct {
	logger         Logger
	cache          bool
	branchCapacity int // Max cached branch nodes.
	leafCapacity   int // Approximate max cached leaf nodes.
}

// DefaultOptions returns the default configuration: node cache enabled,
// logging discarded.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		logger:         DiscardLogger{},
		cache:          true,
		branchCapacity: cache.DefaultBranchCapacity,
		leafCapacity:   cache.DefaultLeafCapacity,
	}
}

// Option configures tree options using the functional options pattern.
type Option func(*Options)

// WithLogger sets the logger. *slog.Logger satisfies Logger directly.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.logger = logger
	}
}

// WithCacheSize bounds the node cache. Branches are held until evicted by
// capacity; leaves may be dropped earlier.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheSize(branches, leaves int) Option {
	return func(opts *Options) {
		opts.cache = true
		opts.branchCapacity = branches
		opts.leafCapacity = leaves
	}
}

// WithoutCache disables the node cache; every access re-reads its page.
//
//goland:noinspection GoUnusedExportedFunction
func WithoutCache() Option {
	return func(opts *Options) {
		opts.cache = false
	}
}
