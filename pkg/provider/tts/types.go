package tts

// Voices accepted by the synthesis endpoints. Providers map these names to
// their own catalogue; the set is fixed so that request validation does not
// depend on which backend is configured.
const (
	VoiceAlloy   = "alloy"
	VoiceEcho    = "echo"
	VoiceFable   = "fable"
	VoiceOnyx    = "onyx"
	VoiceNova    = "nova"
	VoiceShimmer = "shimmer"
)

// Voices lists every accepted voice name.
var Voices = []string{VoiceAlloy, VoiceEcho, VoiceFable, VoiceOnyx, VoiceNova, VoiceShimmer}

// IsValidVoice reports whether v is one of [Voices].
func IsValidVoice(v string) bool {
	for _, known := range Voices {
		if v == known {
			return true
		}
	}
	return false
}

// Speed bounds accepted by every provider.
const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// Request describes one synthesis call.
type Request struct {
	// Text is the content to speak. Must be non-empty.
	Text string

	// Voice is one of [Voices].
	Voice string

	// Speed adjusts the speaking rate in [MinSpeed, MaxSpeed]; 1.0 is normal.
	// Zero means 1.0.
	Speed float64
}

// Audio is the encoded synthesis output.
type Audio struct {
	// Data holds the encoded audio bytes.
	Data []byte

	// MIMEType describes Data, e.g. "audio/mpeg" or "audio/wav".
	MIMEType string
}
