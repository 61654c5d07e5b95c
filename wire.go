package usbip

import (
	"encoding/binary"
)

// Protocol version and op-codes, all carried big-endian on the wire
// (kernel.org USB/IP protocol). Only the request/reply codes of the two
// operations this client core needs are defined: device enumeration and
// import (attach).
const (
	Version uint16 = 0x0111

	OpReqDevlist uint16 = 0x8005
	OpRepDevlist uint16 = 0x0005
	OpReqImport  uint16 = 0x8003
	OpRepImport  uint16 = 0x0003
)

// Command-layer codes (CMD_SUBMIT and friends).
const (
	CmdSubmitCode uint32 = 0x00000001
	RetSubmitCode uint32 = 0x00000003
	CmdUnlinkCode uint32 = 0x00000002
	RetUnlinkCode uint32 = 0x00000004
)

// Direction, as carried in the command header.
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

const (
	opHeaderLen  = 8
	cmdHeaderLen = 48
	busIDLen     = 32
	deviceRecLen = 312
	ifaceRecLen  = 4
)

// OpHeader is the 8-byte header shared by every op-code-layer message.
type OpHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

func (h OpHeader) Encode() []byte {
	buf := make([]byte, opHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Code)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	return buf
}

func DecodeOpHeader(b []byte) (OpHeader, error) {
	if len(b) != opHeaderLen {
		return OpHeader{}, &MalformedFrameError{Reason: "op header must be 8 bytes"}
	}
	return OpHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Code:    binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// EncodeDevlistRequest builds OP_REQ_DEVLIST.
func EncodeDevlistRequest() []byte {
	return OpHeader{Version: Version, Code: OpReqDevlist}.Encode()
}

// EncodeImportRequest builds OP_REQ_IMPORT for busid, NUL-padded to 32 bytes.
func EncodeImportRequest(busid string) []byte {
	buf := make([]byte, opHeaderLen+busIDLen)
	copy(buf, OpHeader{Version: Version, Code: OpReqImport}.Encode())
	copy(buf[opHeaderLen:], busid)
	return buf
}

// RemoteDeviceRecord is the 312-byte device record embedded in
// OP_REP_DEVLIST and OP_REP_IMPORT replies.
type RemoteDeviceRecord struct {
	Path               string
	BusID              string
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
}

// InterfaceRecord is the 4-byte per-interface summary that follows each
// device record in OP_REP_DEVLIST (absent from OP_REP_IMPORT).
type InterfaceRecord struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func decodeCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// DecodeRemoteDeviceRecord decodes the fixed 312-byte device record.
func DecodeRemoteDeviceRecord(b []byte) (RemoteDeviceRecord, error) {
	if len(b) != deviceRecLen {
		return RemoteDeviceRecord{}, &MalformedFrameError{Reason: "device record must be 312 bytes"}
	}
	return RemoteDeviceRecord{
		Path:               decodeCString(b[0:256]),
		BusID:              decodeCString(b[256:288]),
		BusNum:             binary.BigEndian.Uint32(b[288:292]),
		DevNum:             binary.BigEndian.Uint32(b[292:296]),
		Speed:              binary.BigEndian.Uint32(b[296:300]),
		IDVendor:           binary.BigEndian.Uint16(b[300:302]),
		IDProduct:          binary.BigEndian.Uint16(b[302:304]),
		BcdDevice:          binary.BigEndian.Uint16(b[304:306]),
		DeviceClass:        b[306],
		DeviceSubClass:     b[307],
		DeviceProtocol:     b[308],
		ConfigurationValue: b[309],
		NumConfigurations:  b[310],
		NumInterfaces:      b[311],
	}, nil
}

// Encode re-serializes the device record, used by the mock server to build
// its replies and by tests asserting the wire layout round-trips.
func (r RemoteDeviceRecord) Encode() []byte {
	buf := make([]byte, deviceRecLen)
	copy(buf[0:256], r.Path)
	copy(buf[256:288], r.BusID)
	binary.BigEndian.PutUint32(buf[288:292], r.BusNum)
	binary.BigEndian.PutUint32(buf[292:296], r.DevNum)
	binary.BigEndian.PutUint32(buf[296:300], r.Speed)
	binary.BigEndian.PutUint16(buf[300:302], r.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], r.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], r.BcdDevice)
	buf[306] = r.DeviceClass
	buf[307] = r.DeviceSubClass
	buf[308] = r.DeviceProtocol
	buf[309] = r.ConfigurationValue
	buf[310] = r.NumConfigurations
	buf[311] = r.NumInterfaces
	return buf
}

// Devid returns the server-assigned 32-bit device id: busnum<<16 | devnum.
func (r RemoteDeviceRecord) Devid() uint32 {
	return r.BusNum<<16 | r.DevNum
}

func DecodeInterfaceRecord(b []byte) (InterfaceRecord, error) {
	if len(b) != ifaceRecLen {
		return InterfaceRecord{}, &MalformedFrameError{Reason: "interface record must be 4 bytes"}
	}
	return InterfaceRecord{Class: b[0], SubClass: b[1], Protocol: b[2]}, nil
}

// SetupPacket is the USB 2.0 control setup packet (USB 2.0 spec, §9.3). It is
// embedded little-endian inside the big-endian USBIP command header: the
// only byte-order exception in the whole protocol.
type SetupPacket struct {
	BmRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

func (s SetupPacket) Bytes() [8]byte {
	var b [8]byte
	b[0] = s.BmRequestType
	b[1] = s.BRequest
	binary.LittleEndian.PutUint16(b[2:4], s.WValue)
	binary.LittleEndian.PutUint16(b[4:6], s.WIndex)
	binary.LittleEndian.PutUint16(b[6:8], s.WLength)
	return b
}

func ParseSetupPacket(b [8]byte) SetupPacket {
	return SetupPacket{
		BmRequestType: b[0],
		BRequest:      b[1],
		WValue:        binary.LittleEndian.Uint16(b[2:4]),
		WIndex:        binary.LittleEndian.Uint16(b[4:6]),
		WLength:       binary.LittleEndian.Uint16(b[6:8]),
	}
}

// cmdHeaderCommon is the 20-byte prefix shared by all four command-layer
// message types; each extends it with 28 command-specific bytes for a total
// of 48.
type cmdHeaderCommon struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h cmdHeaderCommon) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Dir)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

func decodeCmdHeaderCommon(b []byte) cmdHeaderCommon {
	return cmdHeaderCommon{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}
}

// PeekCommand reads the command code from a 48-byte command header without
// fully decoding it, used by the mock server and tests to dispatch on the
// command code before decoding the rest of the header.
func PeekCommand(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, &MalformedFrameError{Reason: "command header too short to peek"}
	}
	return binary.BigEndian.Uint32(b[0:4]), nil
}

// CmdSubmit is CMD_SUBMIT: header + command-specific fields. OUT payload
// bytes, if any, follow immediately on the wire and are not part of this
// struct.
type CmdSubmit struct {
	Seqnum            uint32
	Devid             uint32
	Dir               uint32
	Ep                uint32
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c CmdSubmit) Encode() []byte {
	buf := make([]byte, cmdHeaderLen)
	cmdHeaderCommon{Command: CmdSubmitCode, Seqnum: c.Seqnum, Devid: c.Devid, Dir: c.Dir, Ep: c.Ep}.encode(buf)
	binary.BigEndian.PutUint32(buf[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(buf[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(buf[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], c.Interval)
	copy(buf[40:48], c.Setup[:])
	return buf
}

func DecodeCmdSubmit(b []byte) (CmdSubmit, error) {
	if len(b) != cmdHeaderLen {
		return CmdSubmit{}, &MalformedFrameError{Reason: "command header must be 48 bytes"}
	}
	h := decodeCmdHeaderCommon(b)
	if h.Command != CmdSubmitCode {
		return CmdSubmit{}, &MalformedFrameError{Reason: "not a CMD_SUBMIT", Code: h.Command}
	}
	c := CmdSubmit{
		Seqnum:            h.Seqnum,
		Devid:             h.Devid,
		Dir:               h.Dir,
		Ep:                h.Ep,
		TransferFlags:     binary.BigEndian.Uint32(b[20:24]),
		TransferBufferLen: binary.BigEndian.Uint32(b[24:28]),
		StartFrame:        binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets:   binary.BigEndian.Uint32(b[32:36]),
		Interval:          binary.BigEndian.Uint32(b[36:40]),
	}
	copy(c.Setup[:], b[40:48])
	return c, nil
}

// RetSubmit is RET_SUBMIT. IN payload bytes, if any, follow on the wire.
type RetSubmit struct {
	Seqnum          uint32
	Devid           uint32
	Dir             uint32
	Ep              uint32
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
}

func (r RetSubmit) Encode() []byte {
	buf := make([]byte, cmdHeaderLen)
	cmdHeaderCommon{Command: RetSubmitCode, Seqnum: r.Seqnum, Devid: r.Devid, Dir: r.Dir, Ep: r.Ep}.encode(buf)
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[24:28], uint32(r.ActualLength))
	binary.BigEndian.PutUint32(buf[28:32], uint32(r.StartFrame))
	binary.BigEndian.PutUint32(buf[32:36], uint32(r.NumberOfPackets))
	binary.BigEndian.PutUint32(buf[36:40], uint32(r.ErrorCount))
	return buf
}

func DecodeRetSubmit(b []byte) (RetSubmit, error) {
	if len(b) != cmdHeaderLen {
		return RetSubmit{}, &MalformedFrameError{Reason: "command header must be 48 bytes"}
	}
	h := decodeCmdHeaderCommon(b)
	if h.Command != RetSubmitCode {
		return RetSubmit{}, &MalformedFrameError{Reason: "not a RET_SUBMIT", Code: h.Command}
	}
	return RetSubmit{
		Seqnum:          h.Seqnum,
		Devid:           h.Devid,
		Dir:             h.Dir,
		Ep:              h.Ep,
		Status:          int32(binary.BigEndian.Uint32(b[20:24])),
		ActualLength:    int32(binary.BigEndian.Uint32(b[24:28])),
		StartFrame:      int32(binary.BigEndian.Uint32(b[28:32])),
		NumberOfPackets: int32(binary.BigEndian.Uint32(b[32:36])),
		ErrorCount:      int32(binary.BigEndian.Uint32(b[36:40])),
	}, nil
}

// CmdUnlink is CMD_UNLINK, referencing the seqnum of the transaction to
// cancel via UnlinkSeqnum.
type CmdUnlink struct {
	Seqnum       uint32
	Devid        uint32
	UnlinkSeqnum uint32
}

func (c CmdUnlink) Encode() []byte {
	buf := make([]byte, cmdHeaderLen)
	cmdHeaderCommon{Command: CmdUnlinkCode, Seqnum: c.Seqnum, Devid: c.Devid, Dir: DirOut, Ep: 0}.encode(buf)
	binary.BigEndian.PutUint32(buf[20:24], c.UnlinkSeqnum)
	return buf
}

// RetUnlink is RET_UNLINK, the acknowledgement for a CMD_UNLINK.
type RetUnlink struct {
	Seqnum uint32
	Devid  uint32
	Status int32
}

func (r RetUnlink) Encode() []byte {
	buf := make([]byte, cmdHeaderLen)
	cmdHeaderCommon{Command: RetUnlinkCode, Seqnum: r.Seqnum, Devid: r.Devid, Dir: DirOut, Ep: 0}.encode(buf)
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	return buf
}

func DecodeRetUnlink(b []byte) (RetUnlink, error) {
	if len(b) != cmdHeaderLen {
		return RetUnlink{}, &MalformedFrameError{Reason: "command header must be 48 bytes"}
	}
	h := decodeCmdHeaderCommon(b)
	if h.Command != RetUnlinkCode {
		return RetUnlink{}, &MalformedFrameError{Reason: "not a RET_UNLINK", Code: h.Command}
	}
	return RetUnlink{
		Seqnum: h.Seqnum,
		Devid:  h.Devid,
		Status: int32(binary.BigEndian.Uint32(b[20:24])),
	}, nil
}
