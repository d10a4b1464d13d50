package framing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_WholeFrameAtOnce(t *testing.T) {
	d := New()
	payload := `{"type":"HEARTBEAT"}`
	in := []byte(itoa(len(payload)) + "\n" + payload)

	frames, err := d.Feed(in)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.JSONEq(t, payload, string(frames[0]))
}

func TestDecoder_ByteAtATime(t *testing.T) {
	payload := `{"type":"SUBSCRIBED","foo":[1,2,3]}`
	in := []byte(itoa(len(payload)) + "\n" + payload)

	d := New()
	var got []json.RawMessage
	for i := range in {
		frames, err := d.Feed(in[i : i+1])
		require.NoError(t, err)
		got = append(got, frames...)
	}

	require.Len(t, got, 1)
	assert.JSONEq(t, payload, string(got[0]))
}

func TestDecoder_MultipleFramesArbitrarySplit(t *testing.T) {
	p1 := `{"type":"HEARTBEAT"}`
	p2 := `{"type":"TASK_ADDED","task":{}}`
	in := []byte(itoa(len(p1)) + "\n" + p1 + itoa(len(p2)) + "\n" + p2)

	splits := [][]int{
		{len(in)},
		{1, len(in) - 1},
		{5, 5, len(in) - 10},
		{len(in) / 2, len(in) - len(in)/2},
	}

	for _, split := range splits {
		d := New()
		var got []json.RawMessage
		off := 0
		for _, n := range split {
			frames, err := d.Feed(in[off : off+n])
			require.NoError(t, err)
			got = append(got, frames...)
			off += n
		}
		require.Len(t, got, 2)
		assert.JSONEq(t, p1, string(got[0]))
		assert.JSONEq(t, p2, string(got[1]))
	}
}

func TestDecoder_BadLengthPrefix(t *testing.T) {
	d := New()
	_, err := d.Feed([]byte("not-a-number-at-all\n"))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestDecoder_PrefixTooLong(t *testing.T) {
	d := New()
	_, err := d.Feed([]byte("123456789012345")) // > maxPrefixBytes, no newline
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestDecoder_InvalidJSONPayload(t *testing.T) {
	payload := `{not json}`
	in := []byte(itoa(len(payload)) + "\n" + payload)

	d := New()
	_, err := d.Feed(in)
	assert.ErrorIs(t, err, ErrBadFormat)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
