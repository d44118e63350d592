//go:build pcap
// +build pcap

package capture

import (
	"fmt"
	"log"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// snapLen is large enough for any relay frame carried in a single segment.
const snapLen = 65535

// OpenLive starts a live capture on the named device with the given BPF filter.
// This function is only available when building with the 'pcap' build tag.
func OpenLive(device, filter string) (Source, error) {
	handle, err := pcap.OpenLive(device, snapLen, false, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", device, err)
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter '%s': %w", filter, err)
	}
	log.Printf("capture started on %s, BPF filter: %s", device, filter)

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	return NewPacketSource(src.Packets(), handle.Close), nil
}

// OpenFile replays a PCAP file with the given BPF filter.
// This function is only available when building with the 'pcap' build tag.
func OpenFile(path, filter string) (Source, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter '%s': %w", filter, err)
	}
	log.Printf("PCAP replay of %s, BPF filter: %s", path, filter)

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	return NewPacketSource(src.Packets(), handle.Close), nil
}
