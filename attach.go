package usbip

import (
	"fmt"
	"time"
)

// HardwareID filters remote devices by VID/PID during enumeration.
type HardwareID struct {
	VendorID  uint16
	ProductID uint16
}

// RemoteDevice is the server-side device record returned by OP_REP_DEVLIST
// or OP_REP_IMPORT.
type RemoteDevice struct {
	Path               string
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
	NumConfigurations  uint8
	NumInterfaces      uint8
}

func newRemoteDevice(r RemoteDeviceRecord) RemoteDevice {
	return RemoteDevice{
		Path:              r.Path,
		BusID:             r.BusID,
		BusNum:            r.BusNum,
		DevNum:            r.DevNum,
		Speed:             r.Speed,
		VendorID:          r.IDVendor,
		ProductID:         r.IDProduct,
		BcdDevice:         r.BcdDevice,
		DeviceClass:       r.DeviceClass,
		DeviceSubClass:    r.DeviceSubClass,
		DeviceProtocol:    r.DeviceProtocol,
		NumConfigurations: r.NumConfigurations,
		NumInterfaces:     r.NumInterfaces,
	}
}

func (d RemoteDevice) HardwareID() HardwareID {
	return HardwareID{VendorID: d.VendorID, ProductID: d.ProductID}
}

// Devid is busnum<<16 | devnum, unique across attached devices on a
// connection.
func (d RemoteDevice) Devid() uint32 {
	return d.BusNum<<16 | d.DevNum
}

// AttachedDevice is the union of a RemoteDevice, its discovered CDC bulk
// endpoint pair, and its server-assigned devid.
type AttachedDevice struct {
	RemoteDevice
	CdcEndpointPair
	Devid uint32
}

// ControlRequest is one caller-supplied setup packet (with optional data
// stage) issued during CONFIGURING, resolving the open question of what
// CDC class-specific setup a given device needs: this client hard-codes
// none, and instead lets the caller supply exactly what their device
// requires (e.g. SET_LINE_CODING, SET_CONTROL_LINE_STATE).
type ControlRequest struct {
	Setup   SetupPacket
	Payload []byte
}

// SetupHook returns the class-specific control requests to issue for the
// given data interface during CONFIGURING, after SET_CONFIGURATION and
// SET_INTERFACE have already been issued. A nil hook (or nil return) means
// no class-specific setup is issued.
type SetupHook func(iface InterfaceDescriptor) []ControlRequest

const (
	reqGetDescriptor    = 0x06
	reqSetConfiguration = 0x09
	reqSetInterface     = 0x0B

	reqTypeDeviceIn   = 0x80
	reqTypeDeviceOut  = 0x00
	reqTypeIfaceOut   = 0x01

	maxConfigDescriptorSize = 4096
)

// attachState names the states of the per-device attach machine (spec §4.4).
type attachState int

const (
	stateIdle attachState = iota
	stateImporting
	stateEnumerating
	stateConfiguring
	stateReady
	stateFailed
)

// attachOne drives one device through IMPORTING (already done by the
// caller, which supplies the imported RemoteDeviceRecord) -> ENUMERATING ->
// CONFIGURING -> READY. It is run once per successfully-imported device,
// concurrently across devices, by Client.Attach.
func attachOne(engine *Engine, rec RemoteDeviceRecord, urbTimeout time.Duration, hook SetupHook) (*AttachedDevice, error) {
	devid := rec.Devid()

	// ENUMERATING: GET_DESCRIPTOR(CONFIGURATION) on ep0.
	setup := SetupPacket{
		BmRequestType: reqTypeDeviceIn,
		BRequest:      reqGetDescriptor,
		WValue:        uint16(descTypeConfiguration) << 8,
		WIndex:        0,
		WLength:       maxConfigDescriptorSize,
	}
	raw, err := engine.SubmitControlIn(devid, setup, maxConfigDescriptorSize, urbTimeout)
	if err != nil {
		return nil, fmt.Errorf("get configuration descriptor: %w", err)
	}
	cfg, err := ParseConfigDescriptor(raw)
	if err != nil {
		return nil, err
	}
	pair, err := FindCdcEndpointPair(cfg)
	if err != nil {
		return nil, err
	}

	// CONFIGURING: SET_CONFIGURATION, then SET_INTERFACE for the data
	// interface, then any caller-supplied CDC class-specific setup, issued
	// in that declaration order (spec §4.4).
	if _, err := engine.SubmitControlOut(devid, SetupPacket{
		BmRequestType: reqTypeDeviceOut,
		BRequest:      reqSetConfiguration,
		WValue:        uint16(cfg.ConfigurationValue),
	}, nil); err != nil {
		return nil, fmt.Errorf("set configuration: %w", err)
	}

	var dataIface InterfaceDescriptor
	for _, iface := range cfg.Interfaces {
		if iface.InterfaceNumber == pair.InterfaceNumber {
			dataIface = iface
			break
		}
	}

	if _, err := engine.SubmitControlOut(devid, SetupPacket{
		BmRequestType: reqTypeIfaceOut,
		BRequest:      reqSetInterface,
		WValue:        uint16(dataIface.AltSetting),
		WIndex:        uint16(dataIface.InterfaceNumber),
	}, nil); err != nil {
		return nil, fmt.Errorf("set interface: %w", err)
	}

	if hook != nil {
		for _, req := range hook(dataIface) {
			if _, err := engine.SubmitControlOut(devid, req.Setup, req.Payload); err != nil {
				return nil, fmt.Errorf("class-specific setup: %w", err)
			}
		}
	}

	return &AttachedDevice{
		RemoteDevice:    newRemoteDevice(rec),
		CdcEndpointPair: pair,
		Devid:           devid,
	}, nil
}
