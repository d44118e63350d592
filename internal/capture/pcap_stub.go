//go:build !pcap
// +build !pcap

package capture

import (
	"fmt"
)

// OpenLive is a stub implementation when PCAP support is disabled.
// Build with -tags=pcap to enable live capture.
func OpenLive(device, filter string) (Source, error) {
	return nil, fmt.Errorf("PCAP support not enabled: rebuild with -tags=pcap to capture from %s", device)
}

// OpenFile is a stub implementation when PCAP support is disabled.
// Build with -tags=pcap to enable PCAP file reading.
func OpenFile(path, filter string) (Source, error) {
	return nil, fmt.Errorf("PCAP support not enabled: rebuild with -tags=pcap to read %s", path)
}
