// Package audio holds the small amount of audio handling the service needs:
// container sniffing for upload validation, WAV encode/decode, and 16-bit PCM
// conversion for in-process speech recognition.
//
// Compressed formats are never decoded here; they are forwarded to providers
// that accept them natively.
package audio

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format identifies an audio container.
type Format string

// Supported containers.
const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatM4A     Format = "m4a"
	FormatOGG     Format = "ogg"
	FormatWebM    Format = "webm"
	FormatFLAC    Format = "flac"
)

// SupportedFormats lists every container accepted for upload.
var SupportedFormats = []Format{FormatWAV, FormatMP3, FormatM4A, FormatOGG, FormatWebM, FormatFLAC}

// IsSupported reports whether f is in [SupportedFormats].
func (f Format) IsSupported() bool {
	for _, s := range SupportedFormats {
		if f == s {
			return true
		}
	}
	return false
}

// MIMEType returns the canonical content type for f.
func (f Format) MIMEType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatM4A:
		return "audio/mp4"
	case FormatOGG:
		return "audio/ogg"
	case FormatWebM:
		return "audio/webm"
	case FormatFLAC:
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension for f including the leading dot.
func (f Format) Extension() string {
	if f == FormatUnknown {
		return ""
	}
	return "." + string(f)
}

// Sniff inspects the leading bytes of data and returns the container format,
// or FormatUnknown when no known signature matches.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("OggS")):
		return FormatOGG
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte("fLaC")):
		return FormatFLAC
	case len(data) >= 4 && bytes.Equal(data[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatM4A
	case len(data) >= 3 && bytes.Equal(data[0:3], []byte("ID3")):
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG audio frame sync.
		return FormatMP3
	}
	return FormatUnknown
}

// FormatFromFilename maps a file extension to a Format.
func FormatFromFilename(name string) Format {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	switch ext {
	case "wav", "wave":
		return FormatWAV
	case "mp3", "mpeg", "mpga":
		return FormatMP3
	case "m4a", "mp4":
		return FormatM4A
	case "ogg", "oga", "opus":
		return FormatOGG
	case "webm":
		return FormatWebM
	case "flac":
		return FormatFLAC
	}
	return FormatUnknown
}

// Detect prefers the sniffed format and falls back to the filename extension.
func Detect(data []byte, filename string) Format {
	if f := Sniff(data); f != FormatUnknown {
		return f
	}
	return FormatFromFilename(filename)
}
