// Package ingest consumes observations published by remote capture agents,
// for deployments where the sensor does not sit on the monitored host.
package ingest

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/havocst/havocst-IDS/pkg/detector"
)

// Envelope versions. v1 carries the observation time as unix seconds, v2 as
// an RFC 3339 string. Agents are upgraded independently of the sensor, so
// both stay supported.
const (
	envelopeVersionUnix    = 1
	envelopeVersionRFC3339 = 2
)

type envelope struct {
	SourceIP        string          `json:"source_ip"`
	DestinationPort uint16          `json:"destination_port"`
	DataVersion     int             `json:"data_version"`
	ObservedAt      json.RawMessage `json:"observed_at"`
	Agent           string          `json:"agent"`
}

// ParseObservation decodes a published observation envelope. Any decode
// failure marks the message as malformed; the caller drops and counts it.
func ParseObservation(data []byte) (detector.Observation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return detector.Observation{}, fmt.Errorf("decode envelope: %w", err)
	}

	source, err := netip.ParseAddr(env.SourceIP)
	if err != nil {
		return detector.Observation{}, fmt.Errorf("parse source address %q: %w", env.SourceIP, err)
	}

	observedAt, err := parseObservedAt(env.DataVersion, env.ObservedAt)
	if err != nil {
		return detector.Observation{}, err
	}

	return detector.Observation{
		Source: source.Unmap(),
		Port:   env.DestinationPort,
		SeenAt: observedAt,
	}, nil
}

func parseObservedAt(version int, raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing observed_at")
	}

	switch version {
	case envelopeVersionUnix:
		var unix int64
		if err := json.Unmarshal(raw, &unix); err != nil {
			return time.Time{}, fmt.Errorf("decode v1 observed_at: %w", err)
		}
		return time.Unix(unix, 0).UTC(), nil
	case envelopeVersionRFC3339:
		var stamp string
		if err := json.Unmarshal(raw, &stamp); err != nil {
			return time.Time{}, fmt.Errorf("decode v2 observed_at: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse v2 observed_at: %w", err)
		}
		return ts.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown data_version %d", version)
	}
}
