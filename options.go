package shmipc

import (
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/shmipc/shmipc/internal/xlog"
)

// defaultConnectTimeout bounds how long connecting or disconnecting waits
// to acquire the mutex guarding the ring's connection masks.
const defaultConnectTimeout = 5 * time.Second

// defaultRecvTimeout is the timeout RecvDefault uses.
const defaultRecvTimeout = 0 // non-blocking by default; see WithDefaultRecvTimeout

// defaultSendTimeout is the timeout SendDefault uses.
const defaultSendTimeout = 0 // non-blocking by default; see WithDefaultSendTimeout

// config collects every knob a Route or Channel can be opened with.
type config struct {
	baseDir            string
	namespace          string
	logger             *zap.SugaredLogger
	connectTimeout     time.Duration
	defaultRecvTimeout time.Duration
	defaultSendTimeout time.Duration
	largeMessageWarnAt datasize.ByteSize
}

func defaultConfig() config {
	return config{
		connectTimeout:     defaultConnectTimeout,
		defaultRecvTimeout: defaultRecvTimeout,
		defaultSendTimeout: defaultSendTimeout,
		logger:             xlog.Nop(),
		largeMessageWarnAt: 64 * datasize.KB,
	}
}

// Option configures a Route or Channel at open time.
type Option func(*config)

// WithBaseDir overrides the directory named regions are created under
// (defaults to internal/shm.DefaultDir(), an OS-appropriate temp path).
// Every process sharing a route or channel must agree on this directory.
func WithBaseDir(dir string) Option {
	return func(c *config) { c.baseDir = dir }
}

// WithNamespace prefixes every region name this endpoint creates, letting
// unrelated applications share one base directory without colliding.
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithLogger overrides the default structured logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *config) { c.logger = l }
}

// WithConnectTimeout bounds how long connecting or disconnecting blocks
// waiting for the mutex guarding the ring's connection masks. It does not
// wait for a free reader or writer slot: when all are taken, opening fails
// at once with NoBitAvailable.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) { c.connectTimeout = d }
}

// WithDefaultRecvTimeout sets the timeout RecvDefault uses. Zero means
// non-blocking.
func WithDefaultRecvTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultRecvTimeout = d }
}

// WithDefaultSendTimeout sets the timeout SendDefault uses. Zero means
// non-blocking: a Send that finds its slot still held by a slow reader
// fails immediately with TimedOut instead of waiting for it to free up.
func WithDefaultSendTimeout(d time.Duration) Option {
	return func(c *config) { c.defaultSendTimeout = d }
}

// WithLargeMessageWarnThreshold logs a warning whenever a published
// message is at least this large. Purely observational — it never rejects
// or resizes anything, and it does not decide the send path: any message
// over one slot's inline capacity goes through the slab, or is split across
// several slots when no slab class fits it or its class is exhausted.
func WithLargeMessageWarnThreshold(size datasize.ByteSize) Option {
	return func(c *config) { c.largeMessageWarnAt = size }
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
