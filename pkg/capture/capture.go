// Package capture turns live traffic on a host interface into observation
// values for the detection engine.
package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/havocst/havocst-IDS/pkg/detector"
)

const (
	// snapLen covers link, IP and TCP headers; payloads are irrelevant here.
	snapLen = 128

	// defaultFilter keeps the kernel from handing us non-TCP traffic. The
	// SYN-without-ACK gate lives in the decoder so it also covers IPv6,
	// which classic tcp[tcpflags] BPF expressions do not.
	defaultFilter = "tcp"

	// pcapIfLoopback mirrors PCAP_IF_LOOPBACK.
	pcapIfLoopback = 0x1
)

var (
	packetsSeen    = metrics.NewCounter("ids_capture_packets_total")
	packetsSkipped = metrics.NewCounter("ids_capture_skipped_total")
)

// Source captures packets on one interface and emits observations.
type Source struct {
	iface  string // empty = auto-select
	filter string // BPF, empty = defaultFilter
}

// NewSource builds a live capture source. The pcap handle is opened in Run
// so its lifetime is tied to the pipeline's.
func NewSource(iface, filter string) *Source {
	if filter == "" {
		filter = defaultFilter
	}
	return &Source{iface: iface, filter: filter}
}

// Run opens the interface and pushes observations into out until the
// context is canceled or the capture handle reaches end-of-stream.
func (s *Source) Run(ctx context.Context, out chan<- detector.Observation) error {
	iface := s.iface
	if iface == "" {
		var err error
		if iface, err = defaultInterface(); err != nil {
			return err
		}
	}

	handle, err := pcap.OpenLive(iface, snapLen, true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("open capture on %s: %w", iface, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(s.filter); err != nil {
		return fmt.Errorf("set filter %q: %w", s.filter, err)
	}

	slog.Info("capturing", "interface", iface, "filter", s.filter)

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	packets := src.Packets()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			packetsSeen.Inc()

			obs, ok := observationFromPacket(pkt)
			if !ok {
				packetsSkipped.Inc()
				continue
			}

			select {
			case out <- obs:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// defaultInterface picks the first interface that is up, not a loopback and
// has at least one address.
func defaultInterface() (string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, dev := range devs {
		if dev.Flags&pcapIfLoopback != 0 {
			continue
		}
		if len(dev.Addresses) == 0 {
			continue
		}
		return dev.Name, nil
	}
	return "", fmt.Errorf("no suitable capture interface found (non-loopback, addressed)")
}
