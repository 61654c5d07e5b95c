package usbip

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultAttachTimeout = 10 * time.Second
	defaultEnumTimeout   = 5 * time.Second
)

// AttachOutcome is one device's result from a Client.Attach call: either a
// ready Device, or the error that kept it out of READY. Per spec.md §4.4, one
// device's AttachFailed never aborts the others in the same call.
type AttachOutcome struct {
	BusID  string
	Device *AttachedDevice
	Err    error
}

// Client is the public USBIP client facade: it owns the single TCP
// connection, drives the attach state machine, and hands out Connections
// for attached devices.
type Client struct {
	log           *slog.Logger
	attachTimeout time.Duration
	urbTimeout    time.Duration
	setupHook     SetupHook

	mu          sync.Mutex
	transport   *Transport
	engine      *Engine
	connections map[uint32]*Connection
	byHardware  map[HardwareID][]uint32
	opReply     chan OpFrame
	closed      bool

	attachMu sync.Mutex
}

// ClientOption configures optional Client behavior.
type ClientOption func(*Client)

// WithLogger overrides the default (slog.Default()) logger.
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithAttachTimeout overrides how long each OP_REQ_DEVLIST/OP_REQ_IMPORT
// waits for its reply. A DEVLIST timeout fails the whole Attach call; an
// IMPORT timeout fails only that device's AttachOutcome.
func WithAttachTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.attachTimeout = d }
}

// WithURBTimeout overrides how long ENUMERATING/CONFIGURING control
// transfers wait for RET_SUBMIT during attach.
func WithURBTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.urbTimeout = d }
}

// WithSetupHook installs the CDC class-specific setup hook invoked during
// CONFIGURING (spec.md §9's open question on device-specific SET_LINE_CODING
// values).
func WithSetupHook(hook SetupHook) ClientOption {
	return func(c *Client) { c.setupHook = hook }
}

// NewClient constructs a disconnected Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		log:           slog.Default(),
		attachTimeout: defaultAttachTimeout,
		urbTimeout:    defaultEnumTimeout,
		connections:   make(map[uint32]*Connection),
		byHardware:    make(map[HardwareID][]uint32),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials addr over TCP and starts the transport's reassembly loop.
func (c *Client) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	return c.ConnectConn(conn)
}

// ConnectConn wires an already-established connection (e.g. a net.Pipe end
// in tests) as the transport.
func (c *Client) ConnectConn(conn net.Conn) error {
	c.mu.Lock()
	if c.transport != nil {
		c.mu.Unlock()
		return fmt.Errorf("usbip: client already connected")
	}
	t := NewTransport(conn)
	c.transport = t
	c.engine = NewEngine(t, c.log)
	c.mu.Unlock()

	go c.runTransport()
	return nil
}

func (c *Client) runTransport() {
	err := c.transport.Run(c.onOpFrame, c.engine.onInbound)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.log.Warn("usbip transport closed", "err", err)
	}
	c.Shutdown()
}

// onOpFrame delivers an op-layer reply to whichever Attach call is currently
// awaiting one. attachMu guarantees at most one op-layer request is ever in
// flight, so a single reply channel is sufficient.
func (c *Client) onOpFrame(f OpFrame) {
	c.mu.Lock()
	ch := c.opReply
	c.mu.Unlock()
	if ch == nil {
		c.log.Warn("unexpected op-layer frame with no pending request", "code", f.Header.Code)
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (c *Client) sendOpRequest(frame []byte, timeout time.Duration) (OpFrame, error) {
	c.mu.Lock()
	if c.transport == nil || c.closed {
		c.mu.Unlock()
		return OpFrame{}, ErrDisconnected
	}
	reply := make(chan OpFrame, 1)
	c.opReply = reply
	t := c.transport
	e := c.engine
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.opReply == reply {
			c.opReply = nil
		}
		c.mu.Unlock()
	}()

	if err := t.Write(frame); err != nil {
		return OpFrame{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-reply:
		return f, nil
	case <-timer.C:
		return OpFrame{}, ErrReadTimeout
	case <-e.ctx.Done():
		return OpFrame{}, ErrDisconnected
	}
}

// Attach runs the attach state machine (spec.md §4.4) for every remote
// device matching one of ids: OP_REQ_DEVLIST, then OP_REQ_IMPORT per matched
// device in turn (the op layer has no per-request correlator, so imports are
// sequential), then ENUMERATING/CONFIGURING fanned out concurrently across
// successfully-imported devices via errgroup. A zero-length device list
// after filtering is not an error (spec.md §9's Open Question resolution).
// The returned error is only non-nil for a failure before per-device work
// begins (e.g. the connection itself is down); per-device failures are
// reported in each AttachOutcome.Err instead.
func (c *Client) Attach(ids []HardwareID) ([]AttachOutcome, error) {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()

	devlistFrame, err := c.sendOpRequest(EncodeDevlistRequest(), c.attachTimeout)
	if err != nil {
		return nil, err
	}
	if devlistFrame.Header.Status != 0 {
		return nil, fmt.Errorf("usbip: OP_REQ_DEVLIST failed: status %d", devlistFrame.Header.Status)
	}
	recs, err := decodeDevlistPayload(devlistFrame.Payload)
	if err != nil {
		return nil, err
	}

	var matched []RemoteDeviceRecord
	for _, rec := range recs {
		hw := HardwareID{VendorID: rec.IDVendor, ProductID: rec.IDProduct}
		for _, want := range ids {
			if hw == want {
				matched = append(matched, rec)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	type importResult struct {
		rec RemoteDeviceRecord
		err error
	}
	imports := make([]importResult, len(matched))
	for i, rec := range matched {
		reply, err := c.sendOpRequest(EncodeImportRequest(rec.BusID), c.attachTimeout)
		if err != nil {
			imports[i] = importResult{rec: rec, err: err}
			continue
		}
		if reply.Header.Status != 0 {
			attachErr := &AttachFailedError{BusID: rec.BusID, Status: int32(reply.Header.Status)}
			c.log.Warn("usbip attach failed", "busid", rec.BusID, "status", reply.Header.Status)
			imports[i] = importResult{rec: rec, err: attachErr}
			continue
		}
		imports[i] = importResult{rec: rec}
	}

	results := make([]AttachOutcome, len(imports))
	var g errgroup.Group
	for i, imp := range imports {
		i, imp := i, imp
		if imp.err != nil {
			results[i] = AttachOutcome{BusID: imp.rec.BusID, Err: imp.err}
			continue
		}
		g.Go(func() error {
			dev, err := attachOne(c.engine, imp.rec, c.urbTimeout, c.setupHook)
			if err != nil {
				c.log.Warn("usbip attach failed", "busid", imp.rec.BusID, "err", err)
				results[i] = AttachOutcome{BusID: imp.rec.BusID, Err: err}
				return nil
			}
			results[i] = AttachOutcome{BusID: imp.rec.BusID, Device: dev}
			return nil
		})
	}
	// Each goroutine records its own outcome into results; Wait only joins
	// goroutine lifetimes so one device's failure can never cancel its
	// siblings still in CONFIGURING.
	_ = g.Wait()

	// Register after the join, in server-declaration order, so GetConnection
	// does not depend on which goroutine finished first.
	for _, r := range results {
		if r.Device != nil {
			c.registerConnection(r.Device)
		}
	}

	return results, nil
}

func decodeDevlistPayload(payload []byte) ([]RemoteDeviceRecord, error) {
	var recs []RemoteDeviceRecord
	pos := 0
	for pos < len(payload) {
		if pos+deviceRecLen > len(payload) {
			return nil, ErrMalformedFrame
		}
		rec, err := DecodeRemoteDeviceRecord(payload[pos : pos+deviceRecLen])
		if err != nil {
			return nil, err
		}
		pos += deviceRecLen
		skip := int(rec.NumInterfaces) * ifaceRecLen
		if pos+skip > len(payload) {
			return nil, ErrMalformedFrame
		}
		pos += skip
		recs = append(recs, rec)
	}
	return recs, nil
}

func (c *Client) registerConnection(dev *AttachedDevice) *Connection {
	conn := newConnection(c.engine, *dev)
	hw := dev.HardwareID()

	c.mu.Lock()
	c.connections[dev.Devid] = conn
	c.byHardware[hw] = append(c.byHardware[hw], dev.Devid)
	c.mu.Unlock()
	return conn
}

// GetConnection returns every live Connection for devices matching id, in
// the order they were attached (server-declaration order within one Attach
// call). Keyed internally by devid rather than
// HardwareID so that two devices sharing a VID/PID (spec.md §8 scenario 4)
// are both reachable.
func (c *Client) GetConnection(id HardwareID) []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	devids := c.byHardware[id]
	out := make([]*Connection, 0, len(devids))
	for _, devid := range devids {
		if conn, ok := c.connections[devid]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// Detach removes a Connection from the client's bookkeeping. It does not
// send a wire-level detach request: USBIP has no client-initiated detach
// message, only socket close (spec.md §6 Non-goals).
func (c *Client) Detach(devid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connections, devid)
	for hw, ids := range c.byHardware {
		for i, id := range ids {
			if id == devid {
				c.byHardware[hw] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// Shutdown faults the URB engine (waking every suspended submit_in/attach
// call with ErrDisconnected) and closes the transport. Idempotent.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	engine := c.engine
	transport := c.transport
	c.mu.Unlock()

	if engine != nil {
		engine.Shutdown()
	}
	if transport != nil {
		_ = transport.Close()
	}
}
