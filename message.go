package peerdex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// MaxMessageSize is the largest encoded message we accept, it fits a
// single UDP datagram.
const MaxMessageSize = 60 * 1024

// Message is routed directly from one node to another.
//
// It is a value type: copies handed to other goroutines cannot alter the
// original.
type Message struct {
	Src       PeerID
	Dst       PeerID
	Payload   string
	CreatedAt time.Time
}

func NewMessage(src, dst PeerID, payload string, createdAt time.Time) Message {
	return Message{
		Src:       src,
		Dst:       dst,
		Payload:   payload,
		CreatedAt: createdAt.UTC(),
	}
}

type wireMessage struct {
	Src       string          `json:"src"`
	Dst       string          `json:"dst"`
	Payload   *string         `json:"payload"`
	CreatedAt json.RawMessage `json:"created_at"`
}

func (msg Message) MarshalJSON() ([]byte, error) {
	payload := msg.Payload
	return json.Marshal(wireMessage{
		Src:       msg.Src.String(),
		Dst:       msg.Dst.String(),
		Payload:   &payload,
		CreatedAt: json.RawMessage(strconv.Quote(msg.CreatedAt.UTC().Format(time.RFC3339Nano))),
	})
}

func (msg *Message) UnmarshalJSON(buf []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(buf, &wire); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	src, err := ParsePeerID(wire.Src)
	if err != nil {
		return fmt.Errorf("%w: src: %w", ErrDecode, err)
	}
	dst, err := ParsePeerID(wire.Dst)
	if err != nil {
		return fmt.Errorf("%w: dst: %w", ErrDecode, err)
	}
	if wire.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrDecode)
	}
	createdAt, err := ParseTimestamp(wire.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	*msg = NewMessage(src, dst, *wire.Payload, createdAt)
	return nil
}

// Encode returns the wire representation of msg.
func (msg Message) Encode() ([]byte, error) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(buf))
	}
	return buf, nil
}

// DecodeMessage parses the wire representation of a message. Every failure
// matches [ErrDecode], bad timestamps also match [ErrTimestamp].
func DecodeMessage(buf []byte) (Message, error) {
	var msg Message
	if len(buf) > MaxMessageSize {
		return msg, fmt.Errorf("%w: %w: %d bytes", ErrDecode, ErrTooLarge, len(buf))
	}
	err := msg.UnmarshalJSON(buf)
	return msg, err
}

// ParseTimestamp decodes a created_at JSON value. Strings must be RFC 3339
// (fractional seconds optional), numbers are Unix seconds and may carry a
// fraction. Anything else, including a missing value, is rejected.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("%w: missing", ErrTimestamp)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrTimestamp, err)
		}
		if s == "" {
			return time.Time{}, fmt.Errorf("%w: empty", ErrTimestamp)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrTimestamp, err)
		}
		return ts.UTC(), nil
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return time.Time{}, fmt.Errorf("%w: neither a string nor a number", ErrTimestamp)
	}
	secs, err := num.Float64()
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return time.Time{}, fmt.Errorf("%w: invalid epoch %s", ErrTimestamp, num)
	}
	if secs > float64(math.MaxInt64/int64(time.Second)) {
		return time.Time{}, fmt.Errorf("%w: epoch %s out of range", ErrTimestamp, num)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
}
