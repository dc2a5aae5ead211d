package shmipc

import (
	"time"

	"go.uber.org/zap"

	"github.com/shmipc/shmipc/internal/ipcerr"
	"github.com/shmipc/shmipc/internal/ring"
	"github.com/shmipc/shmipc/internal/shm"
)

// Channel is a multi-writer, multi-reader broadcast stream: up to 32
// processes may attach as writers and up to 32 as readers, all
// independently. A message from any writer reaches every reader connected
// at the time it's sent; spec.md's Non-goals explicitly exclude any
// ordering guarantee across different senders, only within one.
type Channel struct {
	ep   *ring.Endpoint
	log  *zap.SugaredLogger
	cfg  config
	name string

	writerConnID uint32
	readerConnID uint32
	ccID         uint32
	canSend      bool
	canRecv      bool
	closed       bool
}

// OpenChannelWriter opens name as one of possibly several writers.
func OpenChannelWriter(name string, opts ...Option) (*Channel, error) {
	return openChannel(name, true, false, opts)
}

// OpenChannelReader opens name as one of possibly several readers.
func OpenChannelReader(name string, opts ...Option) (*Channel, error) {
	return openChannel(name, false, true, opts)
}

// OpenChannelDuplex opens name as both a writer and a reader on the same
// handle, the common case for peers that both publish and subscribe on
// one channel.
func OpenChannelDuplex(name string, opts ...Option) (*Channel, error) {
	return openChannel(name, true, true, opts)
}

func openChannel(name string, asWriter, asReader bool, opts []Option) (*Channel, error) {
	const op = "shmipc.OpenChannel"
	if name == "" {
		return nil, ipcerr.New(ipcerr.InvalidArgument, op)
	}

	cfg := applyOptions(opts)
	dir := cfg.baseDir
	if dir == "" {
		dir = shm.DefaultDir()
	}

	ep, err := ring.OpenWithTimeout(dir, cfg.namespace, name, cfg.connectTimeout)
	if err != nil {
		return nil, err
	}

	c := &Channel{ep: ep, log: cfg.logger, cfg: cfg, name: name, canSend: asWriter, canRecv: asReader}
	identity := ep.NewIdentity()
	c.ccID = identity

	if asWriter {
		conn, err := ep.ConnectWriter(identity)
		if err != nil {
			_ = ep.Close()
			return nil, err
		}
		c.writerConnID = conn.ID
		c.log.Debugw("channel writer connected", "channel", name, "connID", conn.ID, "generation", conn.Generation)
	}
	if asReader {
		conn, err := ep.ConnectReader(identity)
		if err != nil {
			if asWriter {
				_ = ep.DisconnectWriter(c.writerConnID)
			}
			_ = ep.Close()
			return nil, err
		}
		c.readerConnID = conn.ID
		c.log.Debugw("channel reader connected", "channel", name, "connID", conn.ID, "generation", conn.Generation)
	}

	return c, nil
}

// Send publishes payload to every currently connected reader, waiting up
// to timeout for a slot still held by a slow reader to free up. It returns
// NoReader immediately if nobody is connected, and TimedOut if no slot
// frees up within timeout.
func (c *Channel) Send(payload []byte, timeout time.Duration) error {
	if !c.canSend {
		return ipcerr.New(ipcerr.PermissionDenied, "shmipc.Channel.Send")
	}
	if len(payload) >= int(c.cfg.largeMessageWarnAt) {
		c.log.Warnw("publishing message larger than warn threshold",
			"channel", c.name, "size", len(payload))
	}
	return c.ep.Send(c.ccID, payload, timeout)
}

// SendDefault calls Send with the timeout configured via
// WithDefaultSendTimeout (non-blocking unless overridden).
func (c *Channel) SendDefault(payload []byte) error {
	return c.Send(payload, c.cfg.defaultSendTimeout)
}

// WaitForReaders blocks until at least one reader is connected, or
// timeout elapses.
func (c *Channel) WaitForReaders(timeout time.Duration) error {
	if !c.canSend {
		return ipcerr.New(ipcerr.PermissionDenied, "shmipc.Channel.WaitForReaders")
	}
	return c.ep.WaitForReaders(timeout)
}

// Recv blocks until a message is available or timeout elapses.
func (c *Channel) Recv(timeout time.Duration) ([]byte, error) {
	if !c.canRecv {
		return nil, ipcerr.New(ipcerr.PermissionDenied, "shmipc.Channel.Recv")
	}
	return c.ep.Recv(c.readerConnID, c.ccID, timeout)
}

// RecvDefault calls Recv with the timeout configured via
// WithDefaultRecvTimeout (non-blocking unless overridden).
func (c *Channel) RecvDefault() ([]byte, error) {
	return c.Recv(c.cfg.defaultRecvTimeout)
}

// Stats returns a snapshot of this channel's underlying ring.
func (c *Channel) Stats() RingStats {
	return statsFromEndpoint(c.ep.Stats())
}

// Close disconnects and releases this endpoint's shared resources. It is
// idempotent.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.canSend {
		err = c.ep.DisconnectWriter(c.writerConnID)
	}
	if c.canRecv {
		if derr := c.ep.DisconnectReader(c.readerConnID); err == nil {
			err = derr
		}
	}
	if closeErr := c.ep.Close(); err == nil {
		err = closeErr
	}
	return err
}
