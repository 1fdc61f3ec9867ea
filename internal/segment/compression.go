package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the document store record compression.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZSTD Compression = "zstd"
)

// ParseCompression validates a compression name. The empty string selects
// lz4.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case "":
		return CompressionLZ4, nil
	case CompressionNone, CompressionLZ4, CompressionZSTD:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// Record frame: [type: 1] [raw length: 4] [payload].
const (
	frameRaw  byte = 0
	frameLZ4  byte = 1
	frameZSTD byte = 2

	frameHeaderSize = 5
)

var errCorruptFrame = errors.New("corrupt document record")

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressRecord appends the framed record to dst.
func compressRecord(dst, src []byte, c Compression) ([]byte, error) {
	header := func(t byte) []byte {
		dst = append(dst, t)
		return binary.LittleEndian.AppendUint32(dst, uint32(len(src)))
	}

	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, buf, nil)
		if err != nil {
			return nil, err
		}
		// Incompressible input yields n == 0.
		if n > 0 && n < len(src) {
			dst = header(frameLZ4)
			return append(dst, buf[:n]...), nil
		}
	case CompressionZSTD:
		enc := getZstdEncoder()
		out := enc.EncodeAll(src, nil)
		zstdEncoderPool.Put(enc)
		if len(out) < len(src) {
			dst = header(frameZSTD)
			return append(dst, out...), nil
		}
	}
	dst = header(frameRaw)
	return append(dst, src...), nil
}

// decompressRecord decodes one framed record.
func decompressRecord(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, errCorruptFrame
	}
	rawLen := int(binary.LittleEndian.Uint32(frame[1:]))
	payload := frame[frameHeaderSize:]

	switch frame[0] {
	case frameRaw:
		if len(payload) != rawLen {
			return nil, errCorruptFrame
		}
		return payload, nil
	case frameLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptFrame, err)
		}
		if n != rawLen {
			return nil, errCorruptFrame
		}
		return out, nil
	case frameZSTD:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, make([]byte, 0, rawLen))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptFrame, err)
		}
		if len(out) != rawLen {
			return nil, errCorruptFrame
		}
		return out, nil
	default:
		return nil, errCorruptFrame
	}
}
