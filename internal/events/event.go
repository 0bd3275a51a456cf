// Package events turns relay observations into a stream that admin clients can
// follow over WebSocket, and keeps a concurrency-safe copy of the peer table
// for HTTP handlers.
//
// Nothing in this package can influence relaying: the Monitor only copies what
// the relay loop reports, and slow subscribers lose events instead of applying
// backpressure.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type Type string

const (
	TypePeerJoined  Type = "peer_joined"
	TypePeerExpired Type = "peer_expired"
	TypeFanout      Type = "fanout"
)

// Event is one frame on the event stream. CBOR frames use integer keys to keep
// them compact.
type Event struct {
	Seq        uint64    `json:"seq" cbor:"1,keyasint"`
	Type       Type      `json:"type" cbor:"2,keyasint"`
	Peer       string    `json:"peer" cbor:"3,keyasint"`
	At         time.Time `json:"at" cbor:"4,keyasint"`
	Bytes      int       `json:"bytes,omitempty" cbor:"5,keyasint,omitempty"`
	Recipients int       `json:"recipients,omitempty" cbor:"6,keyasint,omitempty"`
	IdleForMs  int64     `json:"idle_for_ms,omitempty" cbor:"7,keyasint,omitempty"`
}

type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat maps a ?format= query value to a Format. Empty selects JSON.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatCBOR):
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("invalid format %q (expected json or cbor)", raw)
	}
}

var cborEncMode = sync.OnceValues(func() (cbor.EncMode, error) {
	return cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
})

// Encode serializes e in format f.
func (f Format) Encode(e Event) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(e)
	case FormatCBOR:
		em, err := cborEncMode()
		if err != nil {
			return nil, err
		}
		return em.Marshal(e)
	default:
		return nil, fmt.Errorf("unsupported event format %q", f)
	}
}
