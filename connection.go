package usbip

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

var defaultDelimiter = []byte("\r\n")

const defaultURBTimeout = 5 * time.Second

// Connection is the per-attached-device facade (spec §4.5): a send/receive
// API over one CDC bulk endpoint pair, backed by the shared URB engine.
// pending_inbound_buffer is owned exclusively by this Connection; it must
// only be touched by the goroutine that owns this Connection, per spec §5.
type Connection struct {
	engine *Engine
	device AttachedDevice

	mu             sync.Mutex
	pending        []byte
	delimiter      []byte
	defaultTimeout time.Duration
}

func newConnection(engine *Engine, device AttachedDevice) *Connection {
	return &Connection{
		engine:         engine,
		device:         device,
		delimiter:      append([]byte(nil), defaultDelimiter...),
		defaultTimeout: defaultURBTimeout,
	}
}

// Device returns the attached device this connection addresses.
func (c *Connection) Device() AttachedDevice { return c.device }

// SetDelimiter changes the byte sequence ResponseData(0) looks for.
func (c *Connection) SetDelimiter(d []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delimiter = append([]byte(nil), d...)
}

// SetDefaultTimeout changes the timeout used by ResponseData when no
// explicit timeout is given.
func (c *Connection) SetDefaultTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTimeout = d
}

// SendAll writes data to the bulk-OUT endpoint and returns once the
// CMD_SUBMIT has been handed to the transport.
func (c *Connection) SendAll(data []byte) error {
	if _, err := c.engine.SubmitOut(c.device.Devid, uint32(c.device.BulkOutAddress), data); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// ResponseData reads from the bulk-IN endpoint using this connection's
// default timeout. See ResponseDataTimeout for the size/delimiter
// discipline.
func (c *Connection) ResponseData(size uint32) ([]byte, error) {
	c.mu.Lock()
	timeout := c.defaultTimeout
	c.mu.Unlock()
	return c.ResponseDataTimeout(size, timeout)
}

// ResponseDataTimeout implements spec §4.5: if size > 0, accumulates from
// the pending buffer and bulk-IN reads until exactly size bytes are
// available and returns them; if size == 0, reads until the delimiter
// appears and returns the prefix including the delimiter, leaving any
// extra bytes buffered. On timeout the partial buffer is preserved for a
// subsequent call.
func (c *Connection) ResponseDataTimeout(size uint32, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		c.mu.Lock()
		if size > 0 {
			if uint32(len(c.pending)) >= size {
				out := append([]byte(nil), c.pending[:size]...)
				c.pending = c.pending[size:]
				c.mu.Unlock()
				return out, nil
			}
		} else if idx := bytes.Index(c.pending, c.delimiter); idx >= 0 {
			end := idx + len(c.delimiter)
			out := append([]byte(nil), c.pending[:end]...)
			c.pending = c.pending[end:]
			c.mu.Unlock()
			return out, nil
		}
		maxIn := c.device.MaxInPacket
		c.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrReadTimeout
		}
		if maxIn == 0 {
			maxIn = 64
		}

		data, err := c.engine.SubmitIn(c.device.Devid, uint32(c.device.BulkInAddress), uint32(maxIn), remaining)
		if err != nil {
			if err == ErrReadTimeout {
				return nil, ErrReadTimeout
			}
			return nil, err
		}

		c.mu.Lock()
		c.pending = append(c.pending, data...)
		c.mu.Unlock()
	}
}
