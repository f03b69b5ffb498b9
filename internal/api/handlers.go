package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/ellie/internal/apierror"
	"github.com/MrWong99/ellie/internal/resilience"
	"github.com/MrWong99/ellie/internal/turn"
	"github.com/MrWong99/ellie/pkg/audio"
	"github.com/MrWong99/ellie/pkg/provider/stt"
	"github.com/MrWong99/ellie/pkg/provider/tts"
	"github.com/MrWong99/ellie/pkg/wire"
)

// Process handles POST /api/v1/voice/process.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	release, ok := h.admit()
	if !ok {
		setProcessingTime(w, start)
		h.writeError(w, r, errBusy)
		return
	}
	defer release()

	if h.limits.MaxAudioBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxAudioBytes+formOverhead)
	}
	req, err := ParseProcessForm(r, h.limits, h.Defaults())
	if err != nil {
		setProcessingTime(w, start)
		h.writeError(w, r, err)
		return
	}

	res, err := h.runner.Run(r.Context(), req)
	setProcessingTime(w, start)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewTurnResponse(res))
}

// NewTurnResponse converts an orchestrator result into its wire form.
func NewTurnResponse(res *turn.Result) wire.TurnResponse {
	t := res.Turn
	out := wire.TurnResponse{
		Success:             res.Success,
		SessionID:           t.SessionID,
		TurnID:              t.TurnID,
		TranscribedText:     t.TranscribedText,
		AIResponse:          t.AIResponse,
		AudioBuffer:         t.Audio,
		AudioFormat:         t.AudioFormat,
		TextOnly:            t.TextOnly,
		Confidence:          t.Confidence,
		TranscriptionSource: t.TranscriptionSource,
		Timings: wire.Timings{
			TranscriptionMs: t.Timings.TranscriptionMs,
			GenerationMs:    t.Timings.GenerationMs,
			SynthesisMs:     t.Timings.SynthesisMs,
			TotalMs:         t.Timings.TotalMs,
		},
		TotalProcessingTime: t.Timings.TotalMs,
		RequestID:           res.Metadata.RequestID,
	}
	for _, s := range t.Fallbacks {
		out.Fallbacks = append(out.Fallbacks, string(s))
	}
	return out
}

// TextToSpeech handles POST /api/v1/voice/text-to-speech.
func (h *Handler) TextToSpeech(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	release, ok := h.admit()
	if !ok {
		setProcessingTime(w, start)
		h.writeError(w, r, errBusy)
		return
	}
	defer release()

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	req, _, err := ParseTextToSpeech(r, h.Defaults())
	if err != nil {
		setProcessingTime(w, start)
		h.writeError(w, r, err)
		return
	}

	speech, hit := h.speech.Get(r.Context(), req)
	if !hit {
		speech, err = h.synthesize(r.Context(), req)
		if err != nil {
			setProcessingTime(w, start)
			h.writeError(w, r, apierror.Wrap(apierror.CodeVoiceProcessing, "speech synthesis failed", err))
			return
		}
		h.speech.Put(r.Context(), req, speech)
	}

	mime := speech.MIMEType
	if mime == "" {
		mime = audio.FormatMP3.MIMEType()
	}
	hdr := w.Header()
	hdr.Set("Content-Type", mime)
	hdr.Set("Content-Length", strconv.Itoa(len(speech.Data)))
	hdr.Set("Cache-Control", "public, max-age=86400")
	hdr.Set("Content-Disposition", "attachment; filename=speech"+extensionForMIME(mime))
	hdr.Set("X-Cache-Hit", strconv.FormatBool(hit))
	setProcessingTime(w, start)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(speech.Data)
}

func (h *Handler) synthesize(ctx context.Context, req tts.Request) (*tts.Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, h.ttsTimeout)
	defer cancel()

	start := time.Now()
	a, err := h.tts.Synthesize(ctx, req)
	if err == nil && (a == nil || len(a.Data) == 0) {
		err = turn.ErrEmptyAudio
	}
	h.report(resilience.ServiceTTS, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func extensionForMIME(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	for _, f := range audio.SupportedFormats {
		if f.MIMEType() == mime {
			return f.Extension()
		}
	}
	return ".mp3"
}

// SpeechToText handles POST /api/v1/voice/speech-to-text. Unlike a full
// turn there is nothing to fall back to, so a provider failure is a 502.
func (h *Handler) SpeechToText(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	release, ok := h.admit()
	if !ok {
		setProcessingTime(w, start)
		h.writeError(w, r, errBusy)
		return
	}
	defer release()

	if h.limits.MaxAudioBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxAudioBytes+formOverhead)
	}
	in, err := ParseSpeechToTextForm(r, h.limits, h.Defaults())
	if err != nil {
		setProcessingTime(w, start)
		h.writeError(w, r, err)
		return
	}

	tr, hit := h.transcripts.Get(r.Context(), in)
	if !hit {
		tr, err = h.transcribe(r.Context(), in)
		if err != nil {
			setProcessingTime(w, start)
			h.writeError(w, r, apierror.Wrap(apierror.CodeVoiceProcessing, "speech-to-text failed", err))
			return
		}
		h.transcripts.Put(r.Context(), in, tr)
	}

	lang := tr.Language
	if lang == "" {
		lang = in.Language
	}
	setProcessingTime(w, start)
	writeJSON(w, http.StatusOK, wire.SpeechToTextResponse{
		Text:             tr.Text,
		Confidence:       tr.Confidence,
		Language:         lang,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Cached:           hit,
	})
}

func (h *Handler) transcribe(ctx context.Context, in stt.Audio) (*stt.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, h.sttTimeout)
	defer cancel()

	start := time.Now()
	tr, err := h.stt.Transcribe(ctx, in)
	if err == nil && (tr == nil || strings.TrimSpace(tr.Text) == "") {
		err = turn.ErrEmptyTranscript
	}
	h.report(resilience.ServiceSTT, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// report forwards a single-stage outcome to the tracker. Client
// cancellations say nothing about provider health and are skipped.
func (h *Handler) report(svc resilience.Service, elapsed time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("api: health report panicked", "service", svc, "panic", r)
		}
	}()
	h.health.RecordOutcome(svc, err == nil, elapsed, err)
}

// servicesHealth is the body of GET /api/v1/services/health.
type servicesHealth struct {
	Status   string                    `json:"status"`
	Services []resilience.HealthRecord `json:"services"`
}

// ServicesHealth handles GET /api/v1/services/health. It returns 503 while
// any service breaker is open.
func (h *Handler) ServicesHealth(w http.ResponseWriter, _ *http.Request) {
	body := servicesHealth{Status: "healthy", Services: h.health.Snapshot()}
	status := http.StatusOK
	if !h.health.Healthy() {
		body.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
