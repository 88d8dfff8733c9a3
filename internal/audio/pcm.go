package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	goaudio "github.com/go-audio/audio"
)

// AppendPCM appends the block's samples to dst as little-endian interleaved
// PCM in the block's container size.
func AppendPCM(dst []byte, b *Block) ([]byte, error) {
	switch buf := b.Buffer.(type) {
	case *goaudio.IntBuffer:
		bytesPer := b.Format.BytesPerSample()
		for _, s := range buf.Data {
			switch bytesPer {
			case 2:
				dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(s)))
			case 3:
				dst = append(dst, byte(s), byte(s>>8), byte(s>>16))
			case 4:
				dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(s)))
			default:
				return dst, fmt.Errorf("%w: %d-bit integer container", ErrUnsupportedFormat, b.Format.BitDepth)
			}
		}
	case *goaudio.Float32Buffer:
		for _, s := range buf.Data {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
		}
	default:
		return dst, fmt.Errorf("%w: unsupported buffer type %T", ErrFormatMismatch, b.Buffer)
	}
	return dst, nil
}

// DecodeInts decodes little-endian signed integer samples of the given
// container size into dst, returning the number of samples decoded.
func DecodeInts(dst []int, src []byte, bytesPer int) int {
	n := len(src) / bytesPer
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		p := src[i*bytesPer:]
		switch bytesPer {
		case 2:
			dst[i] = int(int16(binary.LittleEndian.Uint16(p)))
		case 3:
			dst[i] = int(goaudio.Int24LETo32(p[:3]))
		case 4:
			dst[i] = int(int32(binary.LittleEndian.Uint32(p)))
		}
	}
	return n
}

// DecodeFloats decodes little-endian float32 samples into dst.
func DecodeFloats(dst []float32, src []byte) int {
	n := len(src) / 4
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return n
}
