package peerdex

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testSrc = "3fa85f6457174562b3fc2c963f66afa6"
	testDst = "0123456789abcdef0123456789abcdef"
)

func mustParsePeerID(t *testing.T, s string) PeerID {
	t.Helper()
	id, err := ParsePeerID(s)
	require.NoError(t, err)
	return id
}

func TestMessage_EncodeDecode(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 12, 30, 15, 123456789, time.FixedZone("CET", 3600))
	msg := NewMessage(mustParsePeerID(t, testSrc), mustParsePeerID(t, testDst), "hello, world!", createdAt)
	require.Equal(t, time.UTC, msg.CreatedAt.Location())

	buf, err := msg.Encode()
	require.NoError(t, err)
	require.JSONEq(t, `{
		"src": "3fa85f6457174562b3fc2c963f66afa6",
		"dst": "0123456789abcdef0123456789abcdef",
		"payload": "hello, world!",
		"created_at": "2024-03-01T11:30:15.123456789Z"
	}`, string(buf))

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, msg.Src, decoded.Src)
	require.Equal(t, msg.Dst, decoded.Dst)
	require.Equal(t, msg.Payload, decoded.Payload)
	require.True(t, msg.CreatedAt.Equal(decoded.CreatedAt))
}

func TestMessage_EncodeTooLarge(t *testing.T) {
	msg := NewMessage(mustParsePeerID(t, testSrc), mustParsePeerID(t, testDst), strings.Repeat("a", MaxMessageSize), time.Now())
	_, err := msg.Encode()
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeMessage_Timestamps(t *testing.T) {
	cases := []struct {
		name      string
		createdAt string
		expected  time.Time
	}{
		{"rfc3339", `"2024-03-01T11:30:15Z"`, time.Date(2024, 3, 1, 11, 30, 15, 0, time.UTC)},
		{"rfc3339 with offset", `"2024-03-01T12:30:15+01:00"`, time.Date(2024, 3, 1, 11, 30, 15, 0, time.UTC)},
		{"rfc3339 with fraction", `"2024-03-01T11:30:15.5Z"`, time.Date(2024, 3, 1, 11, 30, 15, 500000000, time.UTC)},
		{"epoch seconds", `1709292615`, time.Date(2024, 3, 1, 11, 30, 15, 0, time.UTC)},
		{"epoch with fraction", `1709292615.25`, time.Date(2024, 3, 1, 11, 30, 15, 250000000, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := `{"src":"` + testSrc + `","dst":"` + testDst + `","payload":"hi","created_at":` + tc.createdAt + `}`
			msg, err := DecodeMessage([]byte(raw))
			require.NoError(t, err)
			require.True(t, tc.expected.Equal(msg.CreatedAt), "got %s", msg.CreatedAt)
			require.Equal(t, time.UTC, msg.CreatedAt.Location())
		})
	}
}

func TestDecodeMessage_BadTimestamps(t *testing.T) {
	for _, createdAt := range []string{
		`null`,
		`""`,
		`"yesterday"`,
		`"2024-03-01 11:30:15"`,
		`-1`,
		`1e300`,
		`true`,
		`{}`,
	} {
		raw := `{"src":"` + testSrc + `","dst":"` + testDst + `","payload":"hi","created_at":` + createdAt + `}`
		_, err := DecodeMessage([]byte(raw))
		require.ErrorIs(t, err, ErrDecode, "created_at %s", createdAt)
		require.ErrorIs(t, err, ErrTimestamp, "created_at %s", createdAt)
	}

	raw := `{"src":"` + testSrc + `","dst":"` + testDst + `","payload":"hi"}`
	_, err := DecodeMessage([]byte(raw))
	require.ErrorIs(t, err, ErrTimestamp, "a missing timestamp is never defaulted")
}

func TestDecodeMessage_Malformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`[]`,
		`{"src":"nope","dst":"` + testDst + `","payload":"hi","created_at":1}`,
		`{"src":"` + testSrc + `","payload":"hi","created_at":1}`,
		`{"src":"` + testSrc + `","dst":"` + testDst + `","created_at":1}`,
	} {
		_, err := DecodeMessage([]byte(raw))
		require.ErrorIs(t, err, ErrDecode, "%q should be rejected", raw)
	}

	_, err := DecodeMessage([]byte(strings.Repeat(" ", MaxMessageSize+1)))
	require.ErrorIs(t, err, ErrDecode)
}

func TestDecodeMessage_IgnoresUnknownFields(t *testing.T) {
	raw := `{"src":"` + testSrc + `","dst":"` + testDst + `","payload":"","created_at":0,"extra":[1,2]}`
	msg, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "", msg.Payload)
	require.True(t, time.Unix(0, 0).Equal(msg.CreatedAt))
}

func TestParseTimestamp_Missing(t *testing.T) {
	_, err := ParseTimestamp(json.RawMessage(nil))
	require.ErrorIs(t, err, ErrTimestamp)
}
