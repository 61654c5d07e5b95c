package usbip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// frameWriter is the single-writer transport dependency the engine submits
// encoded command frames through. transport.go implements it over a
// net.Conn; tests can substitute any implementation.
type frameWriter interface {
	Write(b []byte) error
}

// transaction is one in-flight CMD_SUBMIT awaiting its RET_SUBMIT (or
// CMD_UNLINK/RET_UNLINK pair). The engine exclusively owns this table;
// nothing outside urb.go mutates a transaction after it is recorded.
type transaction struct {
	seqnum    uint32
	devid     uint32
	dir       uint32
	ep        uint32
	result    chan urbResult
	unlinking bool
}

type urbResult struct {
	payload []byte
	status  int32
	err     error
}

// Engine is the URB transaction engine (spec §4.3): it assigns seqnums,
// writes CMD_SUBMIT frames through a frameWriter, and demultiplexes
// RET_SUBMIT/RET_UNLINK frames delivered via onInbound back to the waiting
// caller. Modeled on the teacher's AsyncTransferManager: a mutex-protected
// table of in-flight work keyed by a correlator, per-entry completion
// channels, and a context used only for engine-wide shutdown -- but unlike
// the teacher's simulated executeTransfer, completion here is driven by
// real wire replies, never self-completed by the submitting goroutine.
type Engine struct {
	w      frameWriter
	log    *slog.Logger
	seqnum atomic.Uint32

	mu           sync.Mutex
	transactions map[uint32]*transaction
	closed       bool
	closeErr     error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine constructs an Engine writing frames through w. If log is nil,
// slog.Default() is used.
func NewEngine(w frameWriter, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		w:            w,
		log:          log,
		transactions: make(map[uint32]*transaction),
		ctx:          ctx,
		cancel:       cancel,
	}
	e.seqnum.Store(0)
	return e
}

// nextSeqnum allocates the next monotonic seqnum, starting at 1 and never
// reused. On 32-bit wraparound it closes the frame writer (when it is an
// io.Closer, as Transport is) and returns ErrSeqnumExhausted.
func (e *Engine) nextSeqnum() (uint32, error) {
	n := e.seqnum.Add(1)
	if n == 0 {
		e.log.Error("usbip seqnum counter exhausted")
		if c, ok := e.w.(io.Closer); ok {
			_ = c.Close()
		}
		return 0, ErrSeqnumExhausted
	}
	return n, nil
}

// SubmitOut issues a CMD_SUBMIT for an OUT transfer and returns immediately
// once the frame has been handed to the transport.
func (e *Engine) SubmitOut(devid, ep uint32, payload []byte) (uint32, error) {
	return e.submitOut(devid, ep, [8]byte{}, payload)
}

// SubmitControlOut issues a CMD_SUBMIT to endpoint 0 carrying setup, used by
// the attach state machine for SET_CONFIGURATION/SET_INTERFACE/CDC
// class-specific requests that have an OUT data stage (or none).
func (e *Engine) SubmitControlOut(devid uint32, setup SetupPacket, payload []byte) (uint32, error) {
	return e.submitOut(devid, 0, setup.Bytes(), payload)
}

func (e *Engine) submitOut(devid, ep uint32, setup [8]byte, payload []byte) (uint32, error) {
	seq, err := e.nextSeqnum()
	if err != nil {
		return 0, e.fault(err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrDisconnected
	}
	tx := &transaction{seqnum: seq, devid: devid, dir: DirOut, ep: ep, result: make(chan urbResult, 1)}
	e.transactions[seq] = tx
	e.mu.Unlock()

	frame := CmdSubmit{
		Seqnum:            seq,
		Devid:             devid,
		Dir:               DirOut,
		Ep:                ep,
		TransferBufferLen: uint32(len(payload)),
		Setup:             setup,
	}.Encode()
	frame = append(frame, payload...)

	if err := e.w.Write(frame); err != nil {
		e.mu.Lock()
		delete(e.transactions, seq)
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return seq, nil
}

// SubmitIn issues a CMD_SUBMIT for an IN transfer of the given length and
// blocks until RET_SUBMIT arrives, the deadline elapses, or the transaction
// is unlinked. On timeout, CMD_UNLINK is sent for the seqnum before
// ErrReadTimeout is returned.
func (e *Engine) SubmitIn(devid, ep, length uint32, timeout time.Duration) ([]byte, error) {
	return e.submitIn(devid, ep, [8]byte{}, length, timeout)
}

// SubmitControlIn issues a CMD_SUBMIT to endpoint 0 carrying setup and
// blocks for the IN data stage, used by the attach state machine to fetch
// the configuration descriptor via GET_DESCRIPTOR.
func (e *Engine) SubmitControlIn(devid uint32, setup SetupPacket, length uint32, timeout time.Duration) ([]byte, error) {
	return e.submitIn(devid, 0, setup.Bytes(), length, timeout)
}

func (e *Engine) submitIn(devid, ep uint32, setup [8]byte, length uint32, timeout time.Duration) ([]byte, error) {
	seq, err := e.nextSeqnum()
	if err != nil {
		return nil, e.fault(err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrDisconnected
	}
	tx := &transaction{seqnum: seq, devid: devid, dir: DirIn, ep: ep, result: make(chan urbResult, 1)}
	e.transactions[seq] = tx
	e.mu.Unlock()

	frame := CmdSubmit{
		Seqnum:            seq,
		Devid:             devid,
		Dir:               DirIn,
		Ep:                ep,
		TransferBufferLen: length,
		Setup:             setup,
	}.Encode()
	if err := e.w.Write(frame); err != nil {
		e.mu.Lock()
		delete(e.transactions, seq)
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-tx.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-timeoutCh:
		_ = e.Unlink(seq)
		return nil, ErrReadTimeout
	case <-e.ctx.Done():
		return nil, ErrDisconnected
	}
}

// Unlink issues CMD_UNLINK for seqnum, removes it from the in-flight table,
// and wakes the suspended caller (if any) with ErrUnlinked.
func (e *Engine) Unlink(seqnum uint32) error {
	e.mu.Lock()
	tx, ok := e.transactions[seqnum]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.transactions, seqnum)
	devid := tx.devid
	e.mu.Unlock()

	unlinkSeq, err := e.nextSeqnum()
	if err != nil {
		return e.fault(err)
	}
	frame := CmdUnlink{Seqnum: unlinkSeq, Devid: devid, UnlinkSeqnum: seqnum}.Encode()
	if werr := e.w.Write(frame); werr != nil {
		e.log.Warn("failed to write CMD_UNLINK", "seq", seqnum, "err", werr)
	}

	select {
	case tx.result <- urbResult{err: ErrUnlinked}:
	default:
	}
	return nil
}

// onInbound dispatches a decoded command-layer reply to its waiter. Called
// by the transport's read loop once a full frame has been reassembled.
func (e *Engine) onInbound(cmd uint32, header []byte, payload []byte) {
	switch cmd {
	case RetSubmitCode:
		ret, err := DecodeRetSubmit(header)
		if err != nil {
			e.log.Warn("malformed RET_SUBMIT", "err", err)
			return
		}
		e.mu.Lock()
		tx, ok := e.transactions[ret.Seqnum]
		if ok {
			delete(e.transactions, ret.Seqnum)
		}
		e.mu.Unlock()
		if !ok {
			e.log.Warn("spurious RET_SUBMIT", "seq", ret.Seqnum, logErr(ErrSpuriousResponse))
			return
		}
		e.log.Debug("RET_SUBMIT", "seq", ret.Seqnum, "devid", ret.Devid, "ep", ret.Ep, "status", ret.Status, "actual_len", ret.ActualLength)
		var resErr error
		if ret.Status != 0 {
			resErr = fmt.Errorf("usbip: URB status %d", ret.Status)
		}
		select {
		case tx.result <- urbResult{payload: payload, status: ret.Status, err: resErr}:
		default:
		}

	case RetUnlinkCode:
		ret, err := DecodeRetUnlink(header)
		if err != nil {
			e.log.Warn("malformed RET_UNLINK", "err", err)
			return
		}
		e.log.Debug("RET_UNLINK", "seq", ret.Seqnum, "status", ret.Status)

	default:
		e.log.Warn("unexpected inbound command", "cmd", cmd)
	}
}

func logErr(err error) slog.Attr {
	return slog.Any("err", err)
}

// fault records a terminal engine error and wakes every suspended caller.
func (e *Engine) fault(err error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return err
	}
	e.closed = true
	e.closeErr = err
	txs := e.transactions
	e.transactions = make(map[uint32]*transaction)
	e.mu.Unlock()

	for _, tx := range txs {
		select {
		case tx.result <- urbResult{err: err}:
		default:
		}
	}
	e.cancel()
	return err
}

// Shutdown faults every in-flight transaction with ErrDisconnected and
// disables further submission. Idempotent.
func (e *Engine) Shutdown() {
	_ = e.fault(ErrDisconnected)
}
