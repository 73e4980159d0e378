package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lychee-technology/parquedb"
)

func sampleEvents() []parquedb.Event {
	return []parquedb.Event{
		{Collection: "orders", EntityID: "o1", Type: parquedb.EventCreate, Seq: 1, Data: map[string]any{"total": 9.5}, Timestamp: time.Unix(0, 0)},
		{Collection: "orders", EntityID: "o1", Type: parquedb.EventUpdate, Seq: 2, Update: map[string]any{"$set": map[string]any{"total": 12.0}}, Timestamp: time.Unix(1, 0)},
	}
}

func TestSegmentRoundTripAllCodecs(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecGzip, CodecZlib, CodecSnappy} {
		data, err := EncodeSegment(codec, sampleEvents())
		require.NoError(t, err)

		got, err := DecodeSegment(data)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "o1", got[0].EntityID)
		require.Equal(t, uint64(2), got[1].Seq)
	}
}

func TestDecodeSegmentRejectsBadMagic(t *testing.T) {
	_, err := DecodeSegment([]byte("not a segment"))
	require.Error(t, err)
}

func TestDecodeSegmentDetectsCorruption(t *testing.T) {
	data, err := EncodeSegment(CodecNone, sampleEvents())
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF

	_, err = DecodeSegment(data)
	require.Error(t, err)
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("lz4")
	require.NoError(t, err)
	require.Equal(t, CodecLZ4, c)

	_, err = ParseCodec("bogus")
	require.Error(t, err)
}
