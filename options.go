package detour

import "go.uber.org/zap"

type config struct {
	logger    *zap.Logger
	allocator ExecAllocator
	name      string
	mem       codeMemory
}

// Option configures an interception.
type Option func(*config)

// WithLogger sets the logger for one interception. It overrides the logger
// set with SetLogger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAllocator sets the allocator used for the trampoline and entry thunk.
func WithAllocator(a ExecAllocator) Option {
	return func(c *config) {
		if a != nil {
			c.allocator = a
		}
	}
}

// WithName sets the label used for the target in log messages. The runtime
// symbol name is used by default.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

func withCodeMemory(m codeMemory) Option {
	return func(c *config) {
		c.mem = m
	}
}

func newConfig(opts []Option) *config {
	c := &config{
		logger:    logger(),
		allocator: defaultAllocator,
		mem:       liveCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
