package elevenlabs

import (
	"strconv"
	"strings"

	"github.com/MrWong99/ellie/pkg/audio"
	"github.com/MrWong99/ellie/pkg/provider/tts"
)

// wrap labels raw output with its MIME type. Raw PCM output ("pcm_<rate>") is
// wrapped into a mono WAV container so that clients can play it directly.
func (p *Provider) wrap(data []byte) *tts.Audio {
	if rate, ok := pcmRate(p.outputFormat); ok {
		return &tts.Audio{Data: audio.EncodeWAV(data, rate, 1), MIMEType: audio.FormatWAV.MIMEType()}
	}
	if strings.HasPrefix(p.outputFormat, "opus") {
		return &tts.Audio{Data: data, MIMEType: audio.FormatOGG.MIMEType()}
	}
	return &tts.Audio{Data: data, MIMEType: audio.FormatMP3.MIMEType()}
}

func pcmRate(format string) (int, bool) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, false
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}
