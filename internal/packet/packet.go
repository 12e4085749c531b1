// Package packet implements the wire envelope carried in each UDP datagram.
// A request is a single JSON object {id?, pattern, data}; a response is
// {id?, data}. One datagram carries exactly one envelope, there is no
// framing or length prefix.
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Prefix is the required command prefix. Commands that do not start with
// it are rejected before handler lookup.
const Prefix = "udp:"

var (
	// ErrMalformedPacket indicates the datagram was not a valid JSON envelope.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrMissingPattern indicates a structurally valid envelope without a pattern.
	ErrMissingPattern = errors.New("missing pattern")

	// ErrInvalidPrefix indicates a command that does not carry the required prefix.
	ErrInvalidPrefix = errors.New("invalid command prefix")
)

// Pattern is the routing key of a request. On the wire it is either a bare
// command string ("udp:ping") or an object carrying the command plus an
// optional destination override. Host, Port and Multicast are transport
// hints only and are never part of the handler payload.
type Pattern struct {
	Cmd       string
	Host      string
	Port      int
	Multicast bool
}

// Simple reports whether the pattern carries no destination override and
// therefore serializes as a bare command string.
func (p Pattern) Simple() bool {
	return p.Host == "" && p.Port == 0 && !p.Multicast
}

// HasPrefix reports whether the command starts with the required prefix.
// The comparison is case-sensitive, matching the wire contract.
func (p Pattern) HasPrefix() bool {
	return strings.HasPrefix(p.Cmd, Prefix)
}

// wirePattern is the object form of a pattern on the wire.
type wirePattern struct {
	Cmd       string `json:"cmd"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Multicast bool   `json:"multicast,omitempty"`
}

// MarshalJSON emits the bare-string form when there is no destination
// override, the object form otherwise.
func (p Pattern) MarshalJSON() ([]byte, error) {
	if p.Simple() {
		return json.Marshal(p.Cmd)
	}
	return json.Marshal(wirePattern{
		Cmd:       p.Cmd,
		Host:      p.Host,
		Port:      p.Port,
		Multicast: p.Multicast,
	})
}

// UnmarshalJSON accepts both wire variants.
func (p *Pattern) UnmarshalJSON(data []byte) error {
	var cmd string
	if err := json.Unmarshal(data, &cmd); err == nil {
		*p = Pattern{Cmd: cmd}
		return nil
	}

	var wp wirePattern
	if err := json.Unmarshal(data, &wp); err != nil {
		return fmt.Errorf("pattern is neither string nor object: %w", err)
	}
	*p = Pattern{
		Cmd:       wp.Cmd,
		Host:      wp.Host,
		Port:      wp.Port,
		Multicast: wp.Multicast,
	}
	return nil
}

// Packet is one decoded request envelope. Data is an arbitrary
// JSON-serializable value; the codec makes no assumption about its shape.
// ID is the optional correlation identifier echoed back in responses.
type Packet struct {
	ID      string  `json:"id,omitempty"`
	Pattern Pattern `json:"pattern"`
	Data    any     `json:"data"`
}

// Response is one decoded response envelope. The pattern is never echoed.
type Response struct {
	ID   string `json:"id,omitempty"`
	Data any    `json:"data"`
}

// Encode serializes a request envelope to a UTF-8 JSON buffer. Oversized
// payloads (relative to the path MTU) are the caller's responsibility.
func Encode(p *Packet) ([]byte, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	return buf, nil
}

// Decode parses a request envelope. It fails with ErrMalformedPacket if
// the bytes are not a valid JSON envelope and with ErrMissingPattern if
// the envelope omits the pattern. Any value is accepted as data.
func Decode(buf []byte) (*Packet, error) {
	var raw struct {
		ID      string          `json:"id"`
		Pattern json.RawMessage `json:"pattern"`
		Data    any             `json:"data"`
	}
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if len(raw.Pattern) == 0 || string(raw.Pattern) == "null" {
		return nil, ErrMissingPattern
	}

	var pat Pattern
	if err := pat.UnmarshalJSON(raw.Pattern); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	return &Packet{ID: raw.ID, Pattern: pat, Data: raw.Data}, nil
}

// EncodeResponse serializes a response envelope. The id is included only
// when the request carried one.
func EncodeResponse(id string, data any) ([]byte, error) {
	buf, err := json.Marshal(Response{ID: id, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return buf, nil
}

// DecodeResponse parses a response envelope.
func DecodeResponse(buf []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(buf, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return &resp, nil
}
