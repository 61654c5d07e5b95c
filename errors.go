package usbip

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in the client's error handling design.
// Wrap with fmt.Errorf("...: %w", Err...) at call sites that need context;
// callers should match with errors.Is.
var (
	ErrConnectionRefused    = errors.New("usbip: connection refused")
	ErrDisconnected         = errors.New("usbip: disconnected")
	ErrMalformedFrame       = errors.New("usbip: malformed frame")
	ErrTruncatedDescriptor  = errors.New("usbip: truncated descriptor")
	ErrMalformedDescriptor  = errors.New("usbip: malformed descriptor")
	ErrNotCdcSerial         = errors.New("usbip: no bulk CDC data endpoints found")
	ErrAttachFailed         = errors.New("usbip: attach failed")
	ErrSendFailed           = errors.New("usbip: send failed")
	ErrReadTimeout          = errors.New("usbip: read timeout")
	ErrUnlinked             = errors.New("usbip: transaction unlinked")
	ErrSpuriousResponse     = errors.New("usbip: spurious response")
	ErrSeqnumExhausted      = errors.New("usbip: seqnum counter exhausted")
)

// AttachFailedError reports OP_REP_IMPORT failure for a single busid. Other
// devices in the same attach() call are unaffected.
type AttachFailedError struct {
	BusID  string
	Status int32
}

func (e *AttachFailedError) Error() string {
	return fmt.Sprintf("usbip: attach %s failed, status=%d", e.BusID, e.Status)
}

func (e *AttachFailedError) Unwrap() error { return ErrAttachFailed }

// MalformedFrameError carries the offending code for diagnostics.
type MalformedFrameError struct {
	Reason string
	Code   uint32
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("usbip: malformed frame: %s (code=0x%x)", e.Reason, e.Code)
}

func (e *MalformedFrameError) Unwrap() error { return ErrMalformedFrame }
