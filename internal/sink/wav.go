package sink

import (
	"encoding/binary"

	"github.com/audiolibrelab/atmoscapture/internal/audio"
)

// Layout of the header written by Open. The JUNK chunk reserves room for a
// ds64 chunk so a recording can be promoted to RF64 in place.
const (
	headerSize   = 104
	junkOffset   = 12
	junkBodySize = 28
	fmtOffset    = 48
	fmtBodySize  = 40
	dataOffset   = 96

	formatExtensible = 0xFFFE
)

var (
	subFormatPCM   = [16]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71}
	subFormatFloat = [16]byte{0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71}
)

// wavHeader renders the 104-byte WAVE_FORMAT_EXTENSIBLE header for dataSize
// bytes of sample data. With rf64 set the 32-bit sizes are 0xFFFFFFFF and the
// real sizes live in the ds64 chunk.
func wavHeader(f audio.Format, dataSize, frames uint64, rf64 bool) []byte {
	h := make([]byte, headerSize)
	le := binary.LittleEndian

	pad := dataSize & 1
	riffSize := uint64(headerSize-8) + dataSize + pad

	if rf64 {
		copy(h[0:], "RF64")
		le.PutUint32(h[4:], 0xFFFFFFFF)
	} else {
		copy(h[0:], "RIFF")
		le.PutUint32(h[4:], uint32(riffSize))
	}
	copy(h[8:], "WAVE")

	if rf64 {
		copy(h[junkOffset:], "ds64")
		le.PutUint32(h[junkOffset+4:], junkBodySize)
		le.PutUint64(h[junkOffset+8:], riffSize)
		le.PutUint64(h[junkOffset+16:], dataSize)
		le.PutUint64(h[junkOffset+24:], frames)
		// table length stays zero
	} else {
		copy(h[junkOffset:], "JUNK")
		le.PutUint32(h[junkOffset+4:], junkBodySize)
	}

	bytesPer := f.BytesPerSample()
	blockAlign := f.BlockAlign()

	b := h[fmtOffset:]
	copy(b, "fmt ")
	le.PutUint32(b[4:], fmtBodySize)
	le.PutUint16(b[8:], formatExtensible)
	le.PutUint16(b[10:], uint16(f.Channels))
	le.PutUint32(b[12:], uint32(f.SampleRate))
	le.PutUint32(b[16:], uint32(f.SampleRate)*uint32(blockAlign))
	le.PutUint16(b[20:], uint16(blockAlign))
	le.PutUint16(b[22:], uint16(bytesPer*8))
	le.PutUint16(b[24:], 22)
	le.PutUint16(b[26:], uint16(f.BitDepth))
	le.PutUint32(b[28:], f.Layout.Mask())
	if f.SampleType == audio.SampleFloat {
		copy(b[32:], subFormatFloat[:])
	} else {
		copy(b[32:], subFormatPCM[:])
	}

	copy(h[dataOffset:], "data")
	if rf64 {
		le.PutUint32(h[dataOffset+4:], 0xFFFFFFFF)
	} else {
		le.PutUint32(h[dataOffset+4:], uint32(dataSize))
	}
	return h
}
