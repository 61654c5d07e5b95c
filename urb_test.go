package usbip

import (
	"sync"
	"testing"
	"time"
)

// fakeWriter records every frame handed to it and lets a test synthesize the
// matching RET_SUBMIT by reading back the seqnum/devid/ep the engine chose.
type fakeWriter struct {
	mu     sync.Mutex
	frames []CmdSubmit
	raw    [][]byte
}

func (f *fakeWriter) Write(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.raw = append(f.raw, cp)
	if cmd, err := PeekCommand(cp); err == nil && cmd == CmdSubmitCode {
		sub, err := DecodeCmdSubmit(cp[:cmdHeaderLen])
		if err == nil {
			f.frames = append(f.frames, sub)
		}
	}
	return nil
}

func (f *fakeWriter) last() CmdSubmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[len(f.frames)-1]
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raw)
}

func TestEngineSeqnumMonotonic(t *testing.T) {
	e := NewEngine(&fakeWriter{}, nil)
	a, err := e.nextSeqnum()
	if err != nil {
		t.Fatalf("nextSeqnum: %v", err)
	}
	b, err := e.nextSeqnum()
	if err != nil {
		t.Fatalf("nextSeqnum: %v", err)
	}
	if b != a+1 {
		t.Errorf("seqnums = %d, %d; want strictly increasing by 1", a, b)
	}
	if a == 0 {
		t.Error("seqnum should never be 0")
	}
}

func TestSubmitOutEncodesPayload(t *testing.T) {
	w := &fakeWriter{}
	e := NewEngine(w, nil)
	seq, err := e.SubmitOut(1<<16|1, 2, []byte("hello"))
	if err != nil {
		t.Fatalf("SubmitOut: %v", err)
	}
	sub := w.last()
	if sub.Seqnum != seq {
		t.Errorf("frame seqnum = %d, want %d", sub.Seqnum, seq)
	}
	if sub.Dir != DirOut {
		t.Errorf("Dir = %d, want DirOut", sub.Dir)
	}
	if sub.TransferBufferLen != 5 {
		t.Errorf("TransferBufferLen = %d, want 5", sub.TransferBufferLen)
	}
}

func TestSubmitInCompletesOnMatchingRetSubmit(t *testing.T) {
	w := &fakeWriter{}
	e := NewEngine(w, nil)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := e.SubmitIn(1<<16|1, 0x81, 4, time.Second)
		done <- result{data, err}
	}()

	// Wait for the CMD_SUBMIT to be written, then synthesize its reply.
	deadline := time.Now().Add(time.Second)
	for w.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for CMD_SUBMIT to be written")
		}
		time.Sleep(time.Millisecond)
	}
	sub := w.last()
	ret := RetSubmit{Seqnum: sub.Seqnum, Devid: sub.Devid, Dir: DirIn, Ep: sub.Ep, ActualLength: 4}
	e.onInbound(RetSubmitCode, ret.Encode(), []byte("data"))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("SubmitIn: %v", r.err)
		}
		if string(r.data) != "data" {
			t.Errorf("payload = %q, want %q", r.data, "data")
		}
	case <-time.After(time.Second):
		t.Fatal("SubmitIn did not complete")
	}
}

func TestSubmitInTimeoutSendsUnlink(t *testing.T) {
	w := &fakeWriter{}
	e := NewEngine(w, nil)

	_, err := e.SubmitIn(1<<16|1, 0x81, 4, 20*time.Millisecond)
	if err != ErrReadTimeout {
		t.Fatalf("err = %v, want ErrReadTimeout", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var sawUnlink bool
	for _, raw := range w.raw {
		if cmd, err := PeekCommand(raw); err == nil && cmd == CmdUnlinkCode {
			sawUnlink = true
		}
	}
	if !sawUnlink {
		t.Error("expected a CMD_UNLINK to be written after timeout")
	}
}

func TestEngineSpuriousResponseIsIgnored(t *testing.T) {
	e := NewEngine(&fakeWriter{}, nil)
	ret := RetSubmit{Seqnum: 999, Devid: 1, Dir: DirIn, Ep: 1}
	// No transaction is registered for seqnum 999; onInbound must not panic.
	e.onInbound(RetSubmitCode, ret.Encode(), nil)
}

func TestEngineShutdownFaultsInFlight(t *testing.T) {
	w := &fakeWriter{}
	e := NewEngine(w, nil)

	done := make(chan error, 1)
	go func() {
		_, err := e.SubmitIn(1<<16|1, 0x81, 4, time.Second)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for w.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for CMD_SUBMIT to be written")
		}
		time.Sleep(time.Millisecond)
	}
	e.Shutdown()

	select {
	case err := <-done:
		if err != ErrDisconnected {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not wake the waiting SubmitIn")
	}

	if _, err := e.SubmitOut(1, 1, nil); err != ErrDisconnected {
		t.Errorf("SubmitOut after Shutdown: err = %v, want ErrDisconnected", err)
	}
}
