package capture

import (
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/havocst/havocst-IDS/pkg/detector"
)

// observationFromPacket extracts a connection-attempt observation from a
// captured packet. Only TCP SYNs without ACK qualify: those are the probes a
// scanner sends, while SYN/ACK and established traffic say nothing about
// port diversity. Returns false for anything else.
func observationFromPacket(pkt gopacket.Packet) (detector.Observation, bool) {
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return detector.Observation{}, false
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok || !tcp.SYN || tcp.ACK {
		return detector.Observation{}, false
	}

	var src netip.Addr
	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		src, ok = netip.AddrFromSlice(ip4.SrcIP)
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip6 := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		src, ok = netip.AddrFromSlice(ip6.SrcIP)
	default:
		return detector.Observation{}, false
	}
	if !ok {
		return detector.Observation{}, false
	}

	ts := pkt.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return detector.Observation{
		Source: src.Unmap(),
		Port:   uint16(tcp.DstPort),
		SeenAt: ts,
	}, true
}
