package usbip

import "encoding/binary"

// USB descriptor type bytes (bDescriptorType), the subset this parser acts on.
const (
	descTypeConfiguration = 0x02
	descTypeInterface     = 0x04
	descTypeEndpoint      = 0x05
	descTypeCSInterface   = 0x24
)

// USB interface class codes relevant to CDC pairing.
const (
	classCDCCommunications = 0x02
	classCDCData           = 0x0A
)

const cdcFunctionalSubtypeUnion = 0x06

// transferTypeBulk is bits 0-1 of an endpoint's bmAttributes.
const transferTypeBulk = 0x02

// InterfaceDescriptor is a single interface/alt-setting record.
type InterfaceDescriptor struct {
	InterfaceNumber uint8
	AltSetting      uint8
	NumEndpoints    uint8
	Class           uint8
	SubClass        uint8
	Protocol        uint8
	Endpoints       []EndpointDescriptor
	// Extra holds class-specific (CS_INTERFACE) descriptor bytes attached to
	// this alt setting, concatenated in declaration order.
	Extra []byte
}

// EndpointDescriptor is a parsed endpoint record. Only bulk endpoints are
// retained by ParseConfigDescriptor; this type is also used for any
// endpoint a caller inspects directly via ConfigDescriptor.Interfaces.
type EndpointDescriptor struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

func (e EndpointDescriptor) IsIn() bool         { return e.Address&0x80 != 0 }
func (e EndpointDescriptor) IsOut() bool        { return e.Address&0x80 == 0 }
func (e EndpointDescriptor) IsBulk() bool       { return e.Attributes&0x03 == transferTypeBulk }
func (e EndpointDescriptor) TransferType() uint8 { return e.Attributes & 0x03 }

// CdcEndpointPair is the single bulk IN/OUT pair exposed per attached
// device, selected per the declaration-order / lowest-interface-number rule.
type CdcEndpointPair struct {
	BulkInAddress   uint8
	BulkOutAddress  uint8
	MaxInPacket     uint16
	MaxOutPacket    uint16
	InterfaceNumber uint8
}

// ConfigDescriptor is the parsed configuration descriptor tree: the
// declaration-order list of interface/alt-setting records plus the total
// length declared by the configuration header.
type ConfigDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Attributes         uint8
	MaxPower           uint8
	Interfaces         []InterfaceDescriptor
}

// ParseConfigDescriptor walks the TLV stream returned by
// GET_DESCRIPTOR(CONFIGURATION): a configuration descriptor followed by
// concatenated interface, endpoint, and CDC class-specific descriptors.
//
// This walk is adapted from a general USB config-descriptor parser (the
// same bLength-driven record walk, tracking "current interface + pending
// extra bytes" as state) generalized here to retain only bulk endpoints and
// to surface CDC union functional descriptors instead of discarding all
// class-specific bytes as opaque Extra.
func ParseConfigDescriptor(data []byte) (*ConfigDescriptor, error) {
	if len(data) < 9 {
		return nil, &MalformedFrameError{Reason: "config descriptor shorter than 9-byte header"}
	}
	if data[1] != descTypeConfiguration {
		return nil, ErrMalformedDescriptor
	}
	totalLength := binary.LittleEndian.Uint16(data[2:4])
	if int(totalLength) > len(data) {
		return nil, ErrTruncatedDescriptor
	}
	// Only the declared region is authoritative; trailing bytes (if any)
	// belong to a caller that concatenated multiple configurations.
	data = data[:totalLength]

	cfg := &ConfigDescriptor{
		TotalLength:        totalLength,
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		Attributes:         data[7],
		MaxPower:           data[8],
	}

	var current *InterfaceDescriptor
	pos := 9
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, &MalformedFrameError{Reason: "descriptor record truncated mid-header"}
		}
		length := int(data[pos])
		descType := data[pos+1]
		if length < 2 {
			return nil, ErrMalformedDescriptor
		}
		if pos+length > len(data) {
			return nil, ErrTruncatedDescriptor
		}
		record := data[pos : pos+length]

		switch descType {
		case descTypeInterface:
			if length < 9 {
				return nil, ErrMalformedDescriptor
			}
			if current != nil {
				cfg.Interfaces = append(cfg.Interfaces, *current)
			}
			current = &InterfaceDescriptor{
				InterfaceNumber: record[2],
				AltSetting:      record[3],
				NumEndpoints:    record[4],
				Class:           record[5],
				SubClass:        record[6],
				Protocol:        record[7],
			}

		case descTypeEndpoint:
			if length < 7 {
				return nil, ErrMalformedDescriptor
			}
			ep := EndpointDescriptor{
				Address:       record[2],
				Attributes:    record[3],
				MaxPacketSize: binary.LittleEndian.Uint16(record[4:6]),
				Interval:      record[6],
			}
			if current == nil {
				return nil, ErrMalformedDescriptor
			}
			if ep.IsBulk() {
				current.Endpoints = append(current.Endpoints, ep)
			}

		case descTypeCSInterface:
			if current != nil {
				current.Extra = append(current.Extra, record...)
			}

		default:
			// Unrecognized descriptor type: not of interest, skip.
		}

		pos += length
	}
	if current != nil {
		cfg.Interfaces = append(cfg.Interfaces, *current)
	}

	return cfg, nil
}

// cdcUnionPairs extracts (control, data) interface-number pairs declared by
// CDC union functional descriptors (CS_INTERFACE, subtype 0x06) embedded in
// communications interfaces' Extra bytes.
func cdcUnionPairs(ifaces []InterfaceDescriptor) map[uint8]uint8 {
	pairs := make(map[uint8]uint8)
	for _, iface := range ifaces {
		if iface.Class != classCDCCommunications {
			continue
		}
		extra := iface.Extra
		for len(extra) >= 2 {
			l := int(extra[0])
			if l < 2 || l > len(extra) {
				break
			}
			if extra[1] == descTypeCSInterface && l >= 5 && extra[2] == cdcFunctionalSubtypeUnion {
				pairs[extra[3]] = extra[4]
			}
			extra = extra[l:]
		}
	}
	return pairs
}

// FindCdcEndpointPair locates the data interface's bulk IN/OUT endpoint
// pair. If the communications interface declares a union functional
// descriptor, the paired data interface is preferred; otherwise the first
// bulk pair discovered in declaration order wins, ties broken by numerically
// lowest InterfaceNumber (spec.md §3).
func FindCdcEndpointPair(cfg *ConfigDescriptor) (CdcEndpointPair, error) {
	unions := cdcUnionPairs(cfg.Interfaces)

	var candidates []CdcEndpointPair
	for _, iface := range cfg.Interfaces {
		if iface.Class != classCDCData {
			continue
		}
		pair, ok := bulkPair(iface)
		if !ok {
			continue
		}
		candidates = append(candidates, pair)
	}
	if len(candidates) == 0 {
		return CdcEndpointPair{}, ErrNotCdcSerial
	}

	// Prefer the data interface named by a union descriptor, if any.
	for _, want := range unions {
		for _, c := range candidates {
			if c.InterfaceNumber == want {
				return c, nil
			}
		}
	}

	// No union descriptor: the first bulk pair in declaration order wins.
	return candidates[0], nil
}

// Encode re-serializes the retained CONFIGURATION/INTERFACE/ENDPOINT/
// CS_INTERFACE records back into GET_DESCRIPTOR(CONFIGURATION) wire form.
// Endpoints dropped during parsing (non-bulk) are not reproduced; the
// round-trip property this supports is that re-parsing the result yields an
// equivalent CdcEndpointPair, not a byte-identical original buffer.
func (cfg *ConfigDescriptor) Encode() []byte {
	var body []byte
	for _, iface := range cfg.Interfaces {
		rec := make([]byte, 9)
		rec[0] = 9
		rec[1] = descTypeInterface
		rec[2] = iface.InterfaceNumber
		rec[3] = iface.AltSetting
		rec[4] = iface.NumEndpoints
		rec[5] = iface.Class
		rec[6] = iface.SubClass
		rec[7] = iface.Protocol
		body = append(body, rec...)
		body = append(body, iface.Extra...)
		for _, ep := range iface.Endpoints {
			erec := make([]byte, 7)
			erec[0] = 7
			erec[1] = descTypeEndpoint
			erec[2] = ep.Address
			erec[3] = ep.Attributes
			binary.LittleEndian.PutUint16(erec[4:6], ep.MaxPacketSize)
			erec[6] = ep.Interval
			body = append(body, erec...)
		}
	}

	totalLength := 9 + len(body)
	header := make([]byte, 9)
	header[0] = 9
	header[1] = descTypeConfiguration
	binary.LittleEndian.PutUint16(header[2:4], uint16(totalLength))
	header[4] = cfg.NumInterfaces
	header[5] = cfg.ConfigurationValue
	header[7] = cfg.Attributes
	header[8] = cfg.MaxPower
	return append(header, body...)
}

func bulkPair(iface InterfaceDescriptor) (CdcEndpointPair, bool) {
	var in, out *EndpointDescriptor
	for i := range iface.Endpoints {
		ep := iface.Endpoints[i]
		if ep.IsIn() && in == nil {
			in = &iface.Endpoints[i]
		} else if ep.IsOut() && out == nil {
			out = &iface.Endpoints[i]
		}
	}
	if in == nil || out == nil {
		return CdcEndpointPair{}, false
	}
	return CdcEndpointPair{
		BulkInAddress:   in.Address,
		BulkOutAddress:  out.Address,
		MaxInPacket:     in.MaxPacketSize,
		MaxOutPacket:    out.MaxPacketSize,
		InterfaceNumber: iface.InterfaceNumber,
	}, true
}
