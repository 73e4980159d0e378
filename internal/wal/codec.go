// Package wal implements the Event Log (§4.6): a per-namespace,
// monotonically sequenced write-ahead log that batches events in memory and
// flushes them as a single compressed segment once a count, byte-size, or
// age threshold is crossed, or a caller asks for an explicit flush.
//
// Grounded on forma's internal/cdc/flusher.go, whose RunOnce loop decides
// whether to flush a schema's pending change_log rows by comparing
// accumulated count and oldest-row age against configured thresholds before
// writing a single batched file. wal.go generalizes that decision to any
// namespace; flusher.go's S3 stage-then-copy write is carried into
// internal/storage rather than duplicated here.
package wal

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"

	"github.com/lychee-technology/parquedb"
)

// Codec identifies the compression applied to a segment body, written as the
// byte right after the 4-byte magic of every segment file so a reader can self-detect the format
// without out-of-band metadata.
type Codec byte

const (
	CodecNone Codec = iota
	CodecLZ4
	CodecGzip
	CodecZlib
	CodecSnappy // S2, wire-compatible with Snappy framing
)

// ParseCodec maps a config string to its Codec constant.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "gzip":
		return CodecGzip, nil
	case "zlib":
		return CodecZlib, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return 0, parquedb.NewInvariantError("unknown wal codec: " + name)
	}
}

// segmentMagic precedes every segment file: 4 bytes "PQWL" then the codec
// byte, so a misrouted or truncated file is rejected immediately.
var segmentMagic = [4]byte{'P', 'Q', 'W', 'L'}

// EncodeSegment serializes events as JSON, compresses the payload with
// codec, and prefixes it with the magic header, the codec byte, and a
// checksum so DecodeSegment can detect and verify it independent of any
// surrounding index.
func EncodeSegment(codec Codec, events []parquedb.Event) ([]byte, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, parquedb.NewFatalError("marshal wal segment", err)
	}

	compressed, err := compress(codec, raw)
	if err != nil {
		return nil, err
	}

	checksum := xxh3.Hash(compressed)
	out := make([]byte, 0, 4+1+8+len(compressed))
	out = append(out, segmentMagic[:]...)
	out = append(out, byte(codec))
	out = append(out, checksumBytes(checksum)...)
	out = append(out, compressed...)
	return out, nil
}

// DecodeSegment validates the magic header and checksum, decompresses using
// the codec recorded in the header, and unmarshals the event batch.
func DecodeSegment(data []byte) ([]parquedb.Event, error) {
	if len(data) < 4+1+8 {
		return nil, parquedb.NewInvariantError("wal segment too short")
	}
	if !bytes.Equal(data[0:4], segmentMagic[:]) {
		return nil, parquedb.NewInvariantError("wal segment missing magic header")
	}
	codec := Codec(data[4])
	wantChecksum := checksumFromBytes(data[5:13])
	body := data[13:]

	if xxh3.Hash(body) != wantChecksum {
		return nil, parquedb.NewInvariantError("wal segment checksum mismatch")
	}

	raw, err := decompress(codec, body)
	if err != nil {
		return nil, err
	}

	var events []parquedb.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, parquedb.NewFatalError("unmarshal wal segment", err)
	}
	return events, nil
}

func compress(codec Codec, raw []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return raw, nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, parquedb.NewFatalError("lz4 compress wal segment", err)
		}
		if err := w.Close(); err != nil {
			return nil, parquedb.NewFatalError("lz4 compress wal segment", err)
		}
		return buf.Bytes(), nil
	case CodecGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, parquedb.NewFatalError("gzip compress wal segment", err)
		}
		if err := w.Close(); err != nil {
			return nil, parquedb.NewFatalError("gzip compress wal segment", err)
		}
		return buf.Bytes(), nil
	case CodecZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, parquedb.NewFatalError("zlib compress wal segment", err)
		}
		if err := w.Close(); err != nil {
			return nil, parquedb.NewFatalError("zlib compress wal segment", err)
		}
		return buf.Bytes(), nil
	case CodecSnappy:
		var buf bytes.Buffer
		w := s2.NewWriter(&buf, s2.WriterSnappyCompat())
		if _, err := w.Write(raw); err != nil {
			return nil, parquedb.NewFatalError("snappy compress wal segment", err)
		}
		if err := w.Close(); err != nil {
			return nil, parquedb.NewFatalError("snappy compress wal segment", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, parquedb.NewInvariantError(fmt.Sprintf("unknown wal codec byte %d", codec))
	}
}

func decompress(codec Codec, body []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return body, nil
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, parquedb.NewFatalError("lz4 decompress wal segment", err)
		}
		return out, nil
	case CodecGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, parquedb.NewFatalError("gzip decompress wal segment", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, parquedb.NewFatalError("gzip decompress wal segment", err)
		}
		return out, nil
	case CodecZlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, parquedb.NewFatalError("zlib decompress wal segment", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, parquedb.NewFatalError("zlib decompress wal segment", err)
		}
		return out, nil
	case CodecSnappy:
		r := s2.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, parquedb.NewFatalError("snappy decompress wal segment", err)
		}
		return out, nil
	default:
		return nil, parquedb.NewInvariantError(fmt.Sprintf("unknown wal codec byte %d", codec))
	}
}

func checksumBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func checksumFromBytes(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
