package audio

import "encoding/binary"

// WhisperRate is the sample rate whisper models are trained on.
const WhisperRate = 16000

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

// Downmix averages interleaved 16-bit frames of the given channel count into
// mono. Mono input is returned as is; a trailing partial frame is dropped.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for f := range frames {
		var sum int32
		for c := range channels {
			sum += int32(sampleAt(pcm, f*channels+c))
		}
		putSample(out, f, int16(sum/int32(channels)))
	}
	return out
}

// Resample converts 16-bit mono PCM from one sample rate to another by linear
// interpolation. Equal or non-positive rates return the input unchanged.
func Resample(pcm []byte, from, to int) []byte {
	n := len(pcm) / 2
	if from <= 0 || to <= 0 || from == to || n < 1 {
		return pcm
	}
	outN := int(int64(n) * int64(to) / int64(from))
	if outN == 0 {
		return nil
	}

	out := make([]byte, outN*2)
	step := float64(from) / float64(to)
	for i := range outN {
		pos := float64(i) * step
		j := int(pos)
		a := float64(sampleAt(pcm, j))
		b := a
		if j+1 < n {
			b = float64(sampleAt(pcm, j+1))
		}
		frac := pos - float64(j)
		putSample(out, i, int16(a+(b-a)*frac))
	}
	return out
}

// ToMono16k prepares a decoded clip for whisper inference: one channel at
// [WhisperRate].
func ToMono16k(p PCM) []byte {
	return Resample(Downmix(p.Data, p.Channels), p.SampleRate, WhisperRate)
}

// Float32 converts 16-bit mono PCM to samples in [-1, 1]. A trailing odd
// byte is ignored.
func Float32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sampleAt(pcm, i)) / 32768
	}
	return out
}
