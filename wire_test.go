package usbip

import (
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

func TestOpHeaderRoundTrip(t *testing.T) {
	h := OpHeader{Version: Version, Code: OpReqDevlist, Status: 0}
	got, err := DecodeOpHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeOpHeader: %v", err)
	}
	if got != h {
		t.Errorf("round trip = %+v, want %+v", got, h)
	}
}

func TestDecodeOpHeaderWrongSize(t *testing.T) {
	if _, err := DecodeOpHeader([]byte{0, 1, 2}); err == nil {
		t.Fatal("expected error for short op header")
	}
}

func TestEncodeImportRequest(t *testing.T) {
	buf := EncodeImportRequest("1-1")
	if len(buf) != opHeaderLen+busIDLen {
		t.Fatalf("len = %d, want %d", len(buf), opHeaderLen+busIDLen)
	}
	hdr, err := DecodeOpHeader(buf[:opHeaderLen])
	if err != nil {
		t.Fatalf("DecodeOpHeader: %v", err)
	}
	if hdr.Code != OpReqImport {
		t.Errorf("code = %x, want %x", hdr.Code, OpReqImport)
	}
	if got := decodeCString(buf[opHeaderLen:]); got != "1-1" {
		t.Errorf("busid = %q, want %q", got, "1-1")
	}
}

func TestDecodeRemoteDeviceRecord(t *testing.T) {
	rec := RemoteDeviceRecord{
		Path: "/sys/bus/1-1", BusID: "1-1",
		BusNum: 1, DevNum: 1, Speed: 2,
		IDVendor: 0x1234, IDProduct: 0x5678, BcdDevice: 0x0100,
		DeviceClass: 0x02, DeviceSubClass: 0x00, DeviceProtocol: 0x00,
		ConfigurationValue: 1, NumConfigurations: 1, NumInterfaces: 2,
	}
	got, err := DecodeRemoteDeviceRecord(rec.Encode())
	if err != nil {
		t.Fatalf("DecodeRemoteDeviceRecord: %v", err)
	}
	if got != rec {
		t.Errorf("round trip = %+v, want %+v", got, rec)
	}
	if got.Devid() != 1<<16|1 {
		t.Errorf("Devid() = %x, want %x", got.Devid(), 1<<16|1)
	}
}

func TestSetupPacketIsLittleEndian(t *testing.T) {
	s := SetupPacket{BmRequestType: 0x80, BRequest: 0x06, WValue: 0x0200, WIndex: 0, WLength: 0x0012}
	b := s.Bytes()
	// wValue 0x0200 little-endian is 00 02, never 02 00.
	if b[2] != 0x00 || b[3] != 0x02 {
		t.Fatalf("wValue bytes = %02x %02x, want little-endian 00 02", b[2], b[3])
	}
	if got := ParseSetupPacket(b); got != s {
		t.Errorf("round trip = %+v, want %+v", got, s)
	}
}

func TestCmdSubmitRoundTrip(t *testing.T) {
	c := CmdSubmit{
		Seqnum: 7, Devid: 1<<16 | 1, Dir: DirOut, Ep: 2,
		TransferBufferLen: 4,
		Setup:             SetupPacket{}.Bytes(),
	}
	got, err := DecodeCmdSubmit(c.Encode())
	if err != nil {
		t.Fatalf("DecodeCmdSubmit: %v", err)
	}
	if got != c {
		t.Errorf("round trip = %+v, want %+v", got, c)
	}
}

func TestDecodeCmdSubmitWrongCommand(t *testing.T) {
	ret := RetSubmit{Seqnum: 1, Devid: 1}
	if _, err := DecodeCmdSubmit(ret.Encode()); err == nil {
		t.Fatal("expected error decoding a RET_SUBMIT frame as CMD_SUBMIT")
	}
}

func TestRetSubmitRoundTrip(t *testing.T) {
	r := RetSubmit{Seqnum: 9, Devid: 1<<16 | 2, Dir: DirIn, Ep: 1, Status: 0, ActualLength: 64}
	got, err := DecodeRetSubmit(r.Encode())
	if err != nil {
		t.Fatalf("DecodeRetSubmit: %v", err)
	}
	if got != r {
		t.Errorf("round trip = %+v, want %+v", got, r)
	}
}

func TestRetUnlinkRoundTrip(t *testing.T) {
	r := RetUnlink{Seqnum: 3, Devid: 1, Status: 0}
	got, err := DecodeRetUnlink(r.Encode())
	if err != nil {
		t.Fatalf("DecodeRetUnlink: %v", err)
	}
	if got != r {
		t.Errorf("round trip = %+v, want %+v", got, r)
	}
}

func TestPeekCommand(t *testing.T) {
	c := CmdSubmit{Seqnum: 1, Devid: 1}
	cmd, err := PeekCommand(c.Encode())
	if err != nil {
		t.Fatalf("PeekCommand: %v", err)
	}
	if cmd != CmdSubmitCode {
		t.Errorf("cmd = %d, want %d", cmd, CmdSubmitCode)
	}
	if _, err := PeekCommand([]byte{1, 2}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for short buffer, got %v", err)
	}
}

func TestDecodeRemoteDeviceRecordWrongSize(t *testing.T) {
	if _, err := DecodeRemoteDeviceRecord(mustHex(t, "00112233")); err == nil {
		t.Fatal("expected error for undersized device record")
	}
}
