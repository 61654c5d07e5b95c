// Package mockusbip is a minimal in-process USBIP server used only by this
// module's own tests. It is not part of the client core (spec.md §6
// explicitly places MockUSBIP outside core scope) but gives the facade
// something real to dial instead of hand-rolled byte fixtures per test.
//
// Grounded on the reassembly discipline of the retrieved VIIPER reference
// server/test-client pair: one accept loop per listener, one reader loop per
// connection, short-read-safe framing via usbip.ReadExactly.
package mockusbip

import (
	"encoding/binary"
	"net"
	"sync"

	usbip "github.com/kevmo314/usbip-cdc"
)

// Standard USB control request codes this mock understands on endpoint 0.
const (
	reqGetDescriptor    = 0x06
	reqSetConfiguration = 0x09
	reqSetInterface     = 0x0B
	descTypeConfiguration = 0x02
)

// ReservedFailBusID is the busid the spec reserves to always fail
// OP_REQ_IMPORT (spec.md §4.4, §8 scenario 3).
const ReservedFailBusID = "99-99"

// Device is one device this server exports.
type Device struct {
	BusID              string
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	VendorID           uint16
	ProductID          uint16
	BcdDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8

	// ConfigDescriptor is returned verbatim for GET_DESCRIPTOR(CONFIGURATION)
	// on this device's endpoint 0.
	ConfigDescriptor []byte
}

// Server is a single-process USBIP server for tests: it replies to
// OP_REQ_DEVLIST/OP_REQ_IMPORT from a fixed device table, answers
// enumeration/configuration control transfers, and echoes bulk-OUT data back
// on the next bulk-IN read so a Connection round-trip can be exercised
// end-to-end.
type Server struct {
	listener net.Listener
	devices  []Device

	mu   sync.Mutex
	wg   sync.WaitGroup
}

// NewServer starts listening on 127.0.0.1:0 and accepting connections.
func NewServer(devices []Device) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{listener: ln, devices: devices}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the dial address for this server.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting and closes the listener.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	bulkEcho := make(map[uint32][]byte)

	for {
		var lead [4]byte
		if err := usbip.ReadExactly(conn, lead[:]); err != nil {
			return
		}
		word := binary.BigEndian.Uint32(lead[:])

		if uint16(word>>16) == usbip.Version {
			// Consume the status word that completes the 8-byte op header.
			var status [4]byte
			if err := usbip.ReadExactly(conn, status[:]); err != nil {
				return
			}
			if err := s.handleOpRequest(conn, uint16(word)); err != nil {
				return
			}
			continue
		}

		header := make([]byte, 48)
		copy(header, lead[:])
		if err := usbip.ReadExactly(conn, header[4:]); err != nil {
			return
		}
		cmd, err := usbip.PeekCommand(header)
		if err != nil {
			return
		}

		switch cmd {
		case usbip.CmdSubmitCode:
			sub, err := usbip.DecodeCmdSubmit(header)
			if err != nil {
				return
			}
			var outPayload []byte
			if sub.Dir == usbip.DirOut && sub.TransferBufferLen > 0 {
				outPayload = make([]byte, sub.TransferBufferLen)
				if err := usbip.ReadExactly(conn, outPayload); err != nil {
					return
				}
			}
			if err := s.handleSubmit(conn, sub, outPayload, bulkEcho); err != nil {
				return
			}

		case usbip.CmdUnlinkCode:
			seqnum := binary.BigEndian.Uint32(header[4:8])
			devid := binary.BigEndian.Uint32(header[8:12])
			unlinkSeq := binary.BigEndian.Uint32(header[20:24])
			ret := usbip.RetUnlink{Seqnum: unlinkSeq, Devid: devid, Status: 0}
			_ = seqnum
			if _, err := conn.Write(ret.Encode()); err != nil {
				return
			}

		default:
			return
		}
	}
}

func (s *Server) handleOpRequest(conn net.Conn, code uint16) error {
	switch code {
	case usbip.OpReqDevlist:
		return s.replyDevlist(conn)
	case usbip.OpReqImport:
		var busidBuf [32]byte
		if err := usbip.ReadExactly(conn, busidBuf[:]); err != nil {
			return err
		}
		busid := cString(busidBuf[:])
		return s.replyImport(conn, busid)
	default:
		return nil
	}
}

func (s *Server) replyDevlist(conn net.Conn) error {
	hdr := usbip.OpHeader{Version: usbip.Version, Code: usbip.OpRepDevlist, Status: 0}.Encode()
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(s.devices)))
	if _, err := conn.Write(append(hdr, count[:]...)); err != nil {
		return err
	}
	for _, d := range s.devices {
		rec := s.record(d)
		if _, err := conn.Write(rec.Encode()); err != nil {
			return err
		}
		// NumInterfaces is 0 in every record this mock builds, so no
		// trailing interface-class array is written (see record()).
	}
	return nil
}

func (s *Server) replyImport(conn net.Conn, busid string) error {
	dev, ok := s.find(busid)
	if !ok || busid == ReservedFailBusID {
		hdr := usbip.OpHeader{Version: usbip.Version, Code: usbip.OpRepImport, Status: 1}.Encode()
		_, err := conn.Write(hdr)
		return err
	}
	hdr := usbip.OpHeader{Version: usbip.Version, Code: usbip.OpRepImport, Status: 0}.Encode()
	rec := s.record(dev).Encode()
	_, err := conn.Write(append(hdr, rec...))
	return err
}

func (s *Server) handleSubmit(conn net.Conn, sub usbip.CmdSubmit, outPayload []byte, bulkEcho map[uint32][]byte) error {
	if sub.Ep == 0 {
		return s.handleControl(conn, sub, outPayload)
	}

	// Keyed by device, not endpoint: a CDC device's bulk-OUT and bulk-IN
	// endpoints have different addresses, and the echo crosses between them.
	key := sub.Devid
	if sub.Dir == usbip.DirOut {
		s.mu.Lock()
		bulkEcho[key] = append(bulkEcho[key], outPayload...)
		s.mu.Unlock()
		ret := usbip.RetSubmit{Seqnum: sub.Seqnum, Devid: sub.Devid, Dir: sub.Dir, Ep: sub.Ep, ActualLength: int32(len(outPayload))}
		_, err := conn.Write(ret.Encode())
		return err
	}

	s.mu.Lock()
	data := bulkEcho[key]
	n := int(sub.TransferBufferLen)
	if n > len(data) {
		n = len(data)
	}
	payload := data[:n]
	bulkEcho[key] = data[n:]
	s.mu.Unlock()

	ret := usbip.RetSubmit{Seqnum: sub.Seqnum, Devid: sub.Devid, Dir: sub.Dir, Ep: sub.Ep, ActualLength: int32(len(payload))}
	if _, err := conn.Write(ret.Encode()); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func (s *Server) handleControl(conn net.Conn, sub usbip.CmdSubmit, outPayload []byte) error {
	setup := usbip.ParseSetupPacket(sub.Setup)
	var payload []byte

	switch setup.BRequest {
	case reqGetDescriptor:
		if setup.WValue>>8 == descTypeConfiguration {
			if dev, ok := s.findByDevid(sub.Devid); ok {
				payload = dev.ConfigDescriptor
			}
		}
	case reqSetConfiguration, reqSetInterface:
		// No-op: the mock has no real configuration state to change.
	}

	ret := usbip.RetSubmit{Seqnum: sub.Seqnum, Devid: sub.Devid, Dir: sub.Dir, Ep: sub.Ep, ActualLength: int32(len(payload))}
	if _, err := conn.Write(ret.Encode()); err != nil {
		return err
	}
	if sub.Dir == usbip.DirIn && len(payload) > 0 {
		_, err := conn.Write(payload)
		return err
	}
	return nil
}

func (s *Server) record(d Device) usbip.RemoteDeviceRecord {
	return usbip.RemoteDeviceRecord{
		Path:               "/mock/" + d.BusID,
		BusID:              d.BusID,
		BusNum:             d.BusNum,
		DevNum:             d.DevNum,
		Speed:              d.Speed,
		IDVendor:           d.VendorID,
		IDProduct:          d.ProductID,
		BcdDevice:          d.BcdDevice,
		DeviceClass:        d.DeviceClass,
		DeviceSubClass:     d.DeviceSubClass,
		DeviceProtocol:     d.DeviceProtocol,
		ConfigurationValue: d.ConfigurationValue,
		NumConfigurations:  d.NumConfigurations,
		NumInterfaces:      0,
	}
}

func (s *Server) find(busid string) (Device, bool) {
	for _, d := range s.devices {
		if d.BusID == busid {
			return d, true
		}
	}
	return Device{}, false
}

func (s *Server) findByDevid(devid uint32) (Device, bool) {
	for _, d := range s.devices {
		if d.BusNum<<16|d.DevNum == devid {
			return d, true
		}
	}
	return Device{}, false
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
