package usbip

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// ReadExactly fills buf completely or returns the underlying read error,
// handling the short reads a TCP stream can produce for any USBIP frame.
// Lifted directly from the reference USBIP test client's ReadExactly.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// OpFrame is one reassembled op-code-layer message: the 8-byte header plus
// whatever code-specific payload follows (devlist's device records, or
// import's single device record).
type OpFrame struct {
	Header  OpHeader
	Payload []byte
}

// Transport owns the single TCP socket and runs the one reassembly loop
// that produces complete op-layer or command-layer frames (spec §4.6):
// every inbound message starts with either the 0x0111 version marker (op
// layer) or a small command code (command layer, values 1-4), which is
// enough to demultiplex the two framings off one reader without a second
// socket or a stop-the-world pause between the attach and data phases.
type Transport struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

// Write sends b atomically with respect to other writers on this transport.
func (t *Transport) Write(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(b)
	return err
}

// Close closes the underlying socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Run drives the single reassembly loop until a read fails, calling
// onOpFrame for op-layer replies and onCmdFrame for command-layer frames.
// It blocks the calling goroutine; callers run it in its own goroutine.
func (t *Transport) Run(onOpFrame func(OpFrame), onCmdFrame func(cmd uint32, header, payload []byte)) error {
	var lead [4]byte
	for {
		if err := ReadExactly(t.conn, lead[:]); err != nil {
			return err
		}
		word := binary.BigEndian.Uint32(lead[:])

		if uint16(word>>16) == Version {
			frame, err := t.readOpFrame(uint16(word), lead)
			if err != nil {
				return err
			}
			onOpFrame(frame)
			continue
		}

		header := make([]byte, cmdHeaderLen)
		copy(header, lead[:])
		if err := ReadExactly(t.conn, header[4:]); err != nil {
			return err
		}
		cmd := word

		var payload []byte
		if cmd == RetSubmitCode {
			dir := binary.BigEndian.Uint32(header[12:16])
			actualLen := int32(binary.BigEndian.Uint32(header[24:28]))
			// Only an IN transfer's RET_SUBMIT carries trailing payload
			// bytes; an OUT transfer's actual_length counts bytes already
			// written on the wire, not bytes still to read.
			if dir == DirIn && actualLen > 0 {
				payload = make([]byte, actualLen)
				if err := ReadExactly(t.conn, payload); err != nil {
					return err
				}
			}
		}
		onCmdFrame(cmd, header, payload)
	}
}

// readOpFrame completes an op-layer message whose first 4 bytes (version +
// code) have already been read into lead. status and any code-specific
// payload are read here per spec §4.6: fixed-size for REP_IMPORT,
// device-count-prefixed for REP_DEVLIST.
func (t *Transport) readOpFrame(code uint16, lead [4]byte) (OpFrame, error) {
	var statusBuf [4]byte
	if err := ReadExactly(t.conn, statusBuf[:]); err != nil {
		return OpFrame{}, err
	}
	header := OpHeader{
		Version: Version,
		Code:    code,
		Status:  binary.BigEndian.Uint32(statusBuf[:]),
	}

	switch code {
	case OpRepDevlist:
		var countBuf [4]byte
		if err := ReadExactly(t.conn, countBuf[:]); err != nil {
			return OpFrame{}, err
		}
		n := binary.BigEndian.Uint32(countBuf[:])
		var payload []byte
		for i := uint32(0); i < n; i++ {
			rec := make([]byte, deviceRecLen)
			if err := ReadExactly(t.conn, rec); err != nil {
				return OpFrame{}, err
			}
			numIfaces := rec[deviceRecLen-1]
			payload = append(payload, rec...)
			if numIfaces > 0 {
				ifaceBuf := make([]byte, int(numIfaces)*ifaceRecLen)
				if err := ReadExactly(t.conn, ifaceBuf); err != nil {
					return OpFrame{}, err
				}
				payload = append(payload, ifaceBuf...)
			}
		}
		return OpFrame{Header: header, Payload: payload}, nil

	case OpRepImport:
		if header.Status != 0 {
			return OpFrame{Header: header}, nil
		}
		rec := make([]byte, deviceRecLen)
		if err := ReadExactly(t.conn, rec); err != nil {
			return OpFrame{}, err
		}
		return OpFrame{Header: header, Payload: rec}, nil

	default:
		return OpFrame{}, &MalformedFrameError{Reason: "unknown op-code in reply", Code: uint32(code)}
	}
}
