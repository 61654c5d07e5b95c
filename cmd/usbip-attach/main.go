// Command usbip-attach attaches CDC devices from a USBIP server and prints
// each attach outcome. It is a thin demonstration of the Client facade, not
// part of the client core.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	usbip "github.com/kevmo314/usbip-cdc"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:3240", "USBIP server address")
	vidpid := flag.String("vidpid", "", "comma-separated vid:pid pairs, hex, e.g. 1234:5678,abcd:ef01")
	timeout := flag.Duration("timeout", 10*time.Second, "attach timeout")
	flag.Parse()

	ids, err := parseHardwareIDs(*vidpid)
	if err != nil {
		log.Fatalf("usbip-attach: %v", err)
	}
	if len(ids) == 0 {
		log.Fatalf("usbip-attach: -vidpid is required")
	}

	client := usbip.NewClient(usbip.WithAttachTimeout(*timeout))
	if err := client.Connect(*addr); err != nil {
		log.Fatalf("usbip-attach: connect %s: %v", *addr, err)
	}
	defer client.Shutdown()

	outcomes, err := client.Attach(ids)
	if err != nil {
		log.Fatalf("usbip-attach: attach: %v", err)
	}
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Printf("%s: FAILED: %v\n", o.BusID, o.Err)
			continue
		}
		fmt.Printf("%s: READY devid=%d bulk-in=0x%02x bulk-out=0x%02x\n",
			o.BusID, o.Device.Devid, o.Device.BulkInAddress, o.Device.BulkOutAddress)
	}
}

func parseHardwareIDs(s string) ([]usbip.HardwareID, error) {
	if s == "" {
		return nil, nil
	}
	var ids []usbip.HardwareID
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed vid:pid pair %q", pair)
		}
		vid, err := strconv.ParseUint(parts[0], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("malformed vid in %q: %w", pair, err)
		}
		pid, err := strconv.ParseUint(parts[1], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("malformed pid in %q: %w", pair, err)
		}
		ids = append(ids, usbip.HardwareID{VendorID: uint16(vid), ProductID: uint16(pid)})
	}
	return ids, nil
}
