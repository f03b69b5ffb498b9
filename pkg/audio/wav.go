package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// ErrNotWAV is returned by DecodeWAV when data is not a RIFF/WAVE container.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// PCM is interleaved 16-bit signed little-endian sample data.
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// DurationMs returns the playback length of p in milliseconds.
func (p PCM) DurationMs() int {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	return len(p.Data) * 1000 / (p.SampleRate * p.Channels * 2)
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a canonical
// 44-byte RIFF/WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a RIFF/WAVE container holding 16-bit integer PCM. Chunks
// other than "fmt " and "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) (PCM, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return PCM{}, ErrNotWAV
	}

	var (
		out     PCM
		haveFmt bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// Streaming encoders write a 0 or oversized data length; take the rest.
			if id == "data" {
				size = len(data) - body
			} else {
				return PCM{}, fmt.Errorf("audio: truncated %q chunk", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, errors.New("audio: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 && format != 0xFFFE {
				return PCM{}, fmt.Errorf("audio: unsupported WAV encoding %d", format)
			}
			out.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			out.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(data[body+14 : body+16]); bits != 16 {
				return PCM{}, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return PCM{}, errors.New("audio: data chunk before fmt chunk")
			}
			out.Data = data[body : body+size]
			return out, nil
		}

		off = body + size
		if size%2 == 1 {
			off++ // chunks are word aligned
		}
	}
	return PCM{}, errors.New("audio: missing data chunk")
}
