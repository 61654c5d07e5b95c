package usbip

import (
	"sync"
	"testing"
	"time"
)

// echoWriter answers every bulk-IN CMD_SUBMIT with the next queued chunk (or
// zero bytes once the queue is drained), letting connection_test simulate a
// streaming CDC device without a real transport.
type echoWriter struct {
	engine *Engine

	mu     sync.Mutex
	chunks [][]byte
	idx    int
}

func (w *echoWriter) Write(b []byte) error {
	cmd, err := PeekCommand(b)
	if err != nil || cmd != CmdSubmitCode {
		return err
	}
	sub, err := DecodeCmdSubmit(b[:cmdHeaderLen])
	if err != nil || sub.Dir != DirIn {
		return err
	}
	go func() {
		w.mu.Lock()
		var chunk []byte
		if w.idx < len(w.chunks) {
			chunk = w.chunks[w.idx]
			w.idx++
		}
		w.mu.Unlock()
		ret := RetSubmit{Seqnum: sub.Seqnum, Devid: sub.Devid, Dir: DirIn, Ep: sub.Ep, ActualLength: int32(len(chunk))}
		w.engine.onInbound(RetSubmitCode, ret.Encode(), chunk)
	}()
	return nil
}

func newTestConnection(chunks [][]byte) *Connection {
	w := &echoWriter{chunks: chunks}
	engine := NewEngine(w, nil)
	w.engine = engine
	device := AttachedDevice{
		CdcEndpointPair: CdcEndpointPair{BulkInAddress: 0x81, BulkOutAddress: 0x02, MaxInPacket: 8, MaxOutPacket: 8},
	}
	conn := newConnection(engine, device)
	conn.SetDefaultTimeout(time.Second)
	return conn
}

func TestConnectionResponseDataDelimiter(t *testing.T) {
	conn := newTestConnection([][]byte{[]byte("hel"), []byte("lo\r\n"), []byte("world")})

	got, err := conn.ResponseData(0)
	if err != nil {
		t.Fatalf("ResponseData: %v", err)
	}
	if string(got) != "hello\r\n" {
		t.Errorf("got %q, want %q", got, "hello\r\n")
	}

	// "world" is the next queued chunk, fetched by a further bulk-IN submit
	// once the delimited read has returned.
	rest, err := conn.ResponseData(5)
	if err != nil {
		t.Fatalf("ResponseData: %v", err)
	}
	if string(rest) != "world" {
		t.Errorf("got %q, want %q", rest, "world")
	}
}

func TestConnectionResponseDataFixedSize(t *testing.T) {
	conn := newTestConnection([][]byte{[]byte("ab"), []byte("cdef")})

	got, err := conn.ResponseDataTimeout(6, time.Second)
	if err != nil {
		t.Fatalf("ResponseDataTimeout: %v", err)
	}
	if string(got) != "abcdef" {
		t.Errorf("got %q, want %q", got, "abcdef")
	}
}

func TestConnectionResponseDataTimeoutPreservesBuffer(t *testing.T) {
	conn := newTestConnection([][]byte{[]byte("abc")})

	_, err := conn.ResponseDataTimeout(10, 50*time.Millisecond)
	if err != ErrReadTimeout {
		t.Fatalf("err = %v, want ErrReadTimeout", err)
	}

	// The 3 bytes already read must still be available to a later call.
	got, err := conn.ResponseDataTimeout(3, time.Second)
	if err != nil {
		t.Fatalf("ResponseDataTimeout: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
}

func TestConnectionSendAll(t *testing.T) {
	w := &fakeWriter{}
	engine := NewEngine(w, nil)
	device := AttachedDevice{CdcEndpointPair: CdcEndpointPair{BulkInAddress: 0x81, BulkOutAddress: 0x02, MaxInPacket: 8, MaxOutPacket: 8}}
	conn := newConnection(engine, device)

	if err := conn.SendAll([]byte("ping")); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	sub := w.last()
	if sub.Ep != 0x02 {
		t.Errorf("Ep = %#x, want 0x02", sub.Ep)
	}
	if sub.TransferBufferLen != 4 {
		t.Errorf("TransferBufferLen = %d, want 4", sub.TransferBufferLen)
	}
}

func TestConnectionSetDelimiter(t *testing.T) {
	conn := newTestConnection([][]byte{[]byte("a;b;")})
	conn.SetDelimiter([]byte(";"))

	got, err := conn.ResponseData(0)
	if err != nil {
		t.Fatalf("ResponseData: %v", err)
	}
	if string(got) != "a;" {
		t.Errorf("got %q, want %q", got, "a;")
	}
}
