package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrWong99/ellie/internal/apierror"
	"github.com/MrWong99/ellie/internal/turn"
	"github.com/MrWong99/ellie/pkg/audio"
	"github.com/MrWong99/ellie/pkg/provider/llm"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
	"github.com/MrWong99/ellie/pkg/wire"
)

const (
	// MaxTextLength is the longest accepted text input, in characters.
	MaxTextLength = 4096

	// MaxHistoryMessages bounds conversation_history.
	MaxHistoryMessages = 50

	maxIDLength       = 128
	maxLanguageLength = 35

	// formMemory is how much of a multipart form is held in memory before
	// spilling to temporary files.
	formMemory = 1 << 20
)

// ValidationError describes one rejected request field. It is the only error
// type produced by the parse functions in this package.
type ValidationError struct {
	Field  string
	Reason string

	// Code overrides the default VALIDATION_ERROR, e.g. for oversized or
	// unsupported uploads.
	Code apierror.Code
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("api: invalid %s: %s", e.Field, e.Reason)
}

// APIError implements [apierror.Converter].
func (e *ValidationError) APIError() *apierror.Error {
	code := e.Code
	if code == "" {
		code = apierror.CodeValidation
	}
	return apierror.New(code, e.Reason).
		WithDetail("field", e.Field).
		WithDetail("reason", e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Defaults fill optional request fields.
type Defaults struct {
	Voice    string
	Language string
}

// Limits bound request payloads.
type Limits struct {
	MaxAudioBytes int64
}

// TurnInput is an unvalidated turn submission, from either a multipart form
// or a duplex submit_turn message.
type TurnInput struct {
	Audio             []byte
	Filename          string
	HasAudio          bool
	Text              string
	History           []wire.HistoryMessage
	Voice             string
	Speed             float64
	Language          string
	AccessibilityMode bool
	SessionID         string
	TurnID            string
}

// ValidateTurn checks in and converts it into a [turn.Request]. Missing
// session and turn ids are generated.
func ValidateTurn(in TurnInput, lim Limits, def Defaults) (turn.Request, error) {
	text := strings.TrimSpace(in.Text)
	hasAudio := in.HasAudio || len(in.Audio) > 0
	switch {
	case !hasAudio && text == "":
		return turn.Request{}, invalid("audio_file", "either audio_file or text is required")
	case hasAudio && text != "":
		return turn.Request{}, invalid("text", "provide either audio_file or text, not both")
	}

	req := turn.Request{}
	if hasAudio {
		a, err := validateAudio(in.Audio, in.Filename, lim)
		if err != nil {
			return turn.Request{}, err
		}
		req.Audio = &turn.Audio{
			Data:     a.Data,
			Filename: a.Filename,
			MIMEType: a.MIMEType,
			Format:   audio.Sniff(a.Data),
		}
	} else {
		if err := validateText("text", text); err != nil {
			return turn.Request{}, err
		}
		req.Text = text
	}

	history, err := validateHistory(in.History)
	if err != nil {
		return turn.Request{}, err
	}
	req.History = history

	prefs, err := validatePreferences(in.Voice, in.Speed, in.Language, def)
	if err != nil {
		return turn.Request{}, err
	}
	prefs.AccessibilityMode = in.AccessibilityMode
	req.Preferences = prefs

	if req.SessionID, err = validateID("session_id", in.SessionID); err != nil {
		return turn.Request{}, err
	}
	if req.TurnID, err = validateID("turn_id", in.TurnID); err != nil {
		return turn.Request{}, err
	}
	return req, nil
}

// ParseProcessForm reads the multipart body of POST /api/v1/voice/process.
// The caller should wrap r.Body with [http.MaxBytesReader].
func ParseProcessForm(r *http.Request, lim Limits, def Defaults) (turn.Request, error) {
	if err := parseMultipart(r); err != nil {
		return turn.Request{}, err
	}

	in := TurnInput{
		Text:      r.FormValue("text"),
		Voice:     r.FormValue("voice"),
		Language:  r.FormValue("language"),
		SessionID: r.FormValue("session_id"),
		TurnID:    r.FormValue("turn_id"),
	}

	data, name, ok, err := readFormFile(r, "audio_file", lim)
	if err != nil {
		return turn.Request{}, err
	}
	in.Audio, in.Filename, in.HasAudio = data, name, ok

	if raw := strings.TrimSpace(r.FormValue("conversation_history")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.History); err != nil {
			return turn.Request{}, invalid("conversation_history", "must be a JSON array of {role, content} objects")
		}
	}
	if raw := strings.TrimSpace(r.FormValue("voice_speed")); raw != "" {
		speed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return turn.Request{}, invalid("voice_speed", "must be a number")
		}
		if speed == 0 {
			return turn.Request{}, invalid("voice_speed", "must be between %.2f and %.1f", tts.MinSpeed, tts.MaxSpeed)
		}
		in.Speed = speed
	}
	if raw := strings.TrimSpace(r.FormValue("accessibility_mode")); raw != "" {
		on, err := strconv.ParseBool(raw)
		if err != nil {
			return turn.Request{}, invalid("accessibility_mode", "must be a boolean")
		}
		in.AccessibilityMode = on
	}

	return ValidateTurn(in, lim, def)
}

// ParseSpeechToTextForm reads the multipart body of
// POST /api/v1/voice/speech-to-text.
func ParseSpeechToTextForm(r *http.Request, lim Limits, def Defaults) (stt.Audio, error) {
	if err := parseMultipart(r); err != nil {
		return stt.Audio{}, err
	}
	data, name, ok, err := readFormFile(r, "audio_file", lim)
	if err != nil {
		return stt.Audio{}, err
	}
	if !ok {
		return stt.Audio{}, invalid("audio_file", "audio_file is required")
	}
	a, err := validateAudio(data, name, lim)
	if err != nil {
		return stt.Audio{}, err
	}
	lang, err := validateLanguage(r.FormValue("language"), def.Language)
	if err != nil {
		return stt.Audio{}, err
	}
	a.Language = lang
	return a, nil
}

// ParseTextToSpeech decodes and validates the JSON body of
// POST /api/v1/voice/text-to-speech.
func ParseTextToSpeech(r *http.Request, def Defaults) (tts.Request, wire.TextToSpeechRequest, error) {
	var body wire.TextToSpeechRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return tts.Request{}, body, err
		}
		return tts.Request{}, body, invalid("body", "must be a JSON object with text, voice and speed")
	}

	text := strings.TrimSpace(body.Text)
	if text == "" {
		return tts.Request{}, body, invalid("text", "text is required")
	}
	if err := validateText("text", text); err != nil {
		return tts.Request{}, body, err
	}
	prefs, err := validatePreferences(body.Voice, body.Speed, "", def)
	if err != nil {
		return tts.Request{}, body, err
	}
	if _, err := validateID("session_id", body.SessionID); err != nil {
		return tts.Request{}, body, err
	}
	return tts.Request{Text: text, Voice: prefs.Voice, Speed: prefs.Speed}, body, nil
}

func parseMultipart(r *http.Request) error {
	err := r.ParseMultipartForm(formMemory)
	var maxBytes *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &maxBytes):
		return err
	case errors.Is(err, http.ErrNotMultipart):
		return &ValidationError{Field: "body", Reason: "expected multipart/form-data", Code: apierror.CodeUnsupportedMedia}
	default:
		return invalid("body", "malformed multipart form")
	}
}

// readFormFile returns the content of the named upload. ok is false when the
// field is absent.
func readFormFile(r *http.Request, field string, lim Limits) (data []byte, filename string, ok bool, err error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, invalid(field, "unreadable upload")
	}
	defer func(f multipart.File) { _ = f.Close() }(f)

	if lim.MaxAudioBytes > 0 && hdr.Size > lim.MaxAudioBytes {
		return nil, "", false, tooLarge(field, lim)
	}
	var src io.Reader = f
	if lim.MaxAudioBytes > 0 {
		src = io.LimitReader(f, lim.MaxAudioBytes+1)
	}
	data, err = io.ReadAll(src)
	if err != nil {
		return nil, "", false, invalid(field, "unreadable upload")
	}
	return data, hdr.Filename, true, nil
}

func tooLarge(field string, lim Limits) *ValidationError {
	return &ValidationError{
		Field:  field,
		Reason: fmt.Sprintf("audio exceeds the %d byte limit", lim.MaxAudioBytes),
		Code:   apierror.CodePayloadTooLarge,
	}
}

// validateAudio enforces size and container checks. The container is
// identified by its leading bytes; the filename extension is not trusted.
func validateAudio(data []byte, filename string, lim Limits) (stt.Audio, error) {
	if len(data) == 0 {
		return stt.Audio{}, invalid("audio_file", "audio_file is empty")
	}
	if lim.MaxAudioBytes > 0 && int64(len(data)) > lim.MaxAudioBytes {
		return stt.Audio{}, tooLarge("audio_file", lim)
	}
	format := audio.Sniff(data)
	if !format.IsSupported() {
		return stt.Audio{}, &ValidationError{
			Field:  "audio_file",
			Reason: "unsupported audio format; expected wav, mp3, m4a, ogg, webm or flac",
			Code:   apierror.CodeUnsupportedMedia,
		}
	}
	if filename == "" || audio.FormatFromFilename(filename) != format {
		filename = "audio" + format.Extension()
	}
	return stt.Audio{Data: data, Filename: filename, MIMEType: format.MIMEType()}, nil
}

func validateText(field, text string) error {
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return invalid(field, "must be at most %d characters, got %d", MaxTextLength, n)
	}
	return nil
}

func validateHistory(in []wire.HistoryMessage) ([]llm.Message, error) {
	if len(in) > MaxHistoryMessages {
		return nil, invalid("conversation_history", "at most %d messages are accepted", MaxHistoryMessages)
	}
	out := make([]llm.Message, 0, len(in))
	for i, m := range in {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
		default:
			return nil, invalid("conversation_history", "message %d has role %q; want user or assistant", i, m.Role)
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			return nil, invalid("conversation_history", "message %d has no content", i)
		}
		if err := validateText("conversation_history", content); err != nil {
			return nil, err
		}
		out = append(out, llm.Message{Role: m.Role, Content: content})
	}
	return out, nil
}

func validatePreferences(voice string, speed float64, language string, def Defaults) (turn.Preferences, error) {
	p := turn.Preferences{Voice: strings.ToLower(strings.TrimSpace(voice)), Speed: speed}
	if p.Voice == "" {
		p.Voice = def.Voice
	}
	if p.Voice == "" {
		p.Voice = tts.VoiceAlloy
	}
	if !tts.IsValidVoice(p.Voice) {
		return turn.Preferences{}, invalid("voice", "unknown voice %q; want one of %s", p.Voice, strings.Join(tts.Voices, ", "))
	}
	if p.Speed == 0 {
		p.Speed = 1
	}
	if math.IsNaN(p.Speed) || p.Speed < tts.MinSpeed || p.Speed > tts.MaxSpeed {
		return turn.Preferences{}, invalid("voice_speed", "must be between %.2f and %.1f", tts.MinSpeed, tts.MaxSpeed)
	}
	lang, err := validateLanguage(language, def.Language)
	if err != nil {
		return turn.Preferences{}, err
	}
	p.Language = lang
	return p, nil
}

// validateLanguage accepts BCP-47 style tags such as "en" or "pt-BR".
func validateLanguage(lang, def string) (string, error) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return def, nil
	}
	if len(lang) > maxLanguageLength {
		return "", invalid("language", "language tag too long")
	}
	for _, r := range lang {
		if r != '-' && (r > unicode.MaxASCII || !unicode.IsLetter(r) && !unicode.IsDigit(r)) {
			return "", invalid("language", "%q is not a language tag", lang)
		}
	}
	return lang, nil
}

// validateID returns id, or a new uuid when id is empty.
func validateID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return uuid.NewString(), nil
	}
	if len(id) > maxIDLength {
		return "", invalid(field, "must be at most %d characters", maxIDLength)
	}
	for _, r := range id {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return "", invalid(field, "contains invalid characters")
		}
	}
	return id, nil
}
