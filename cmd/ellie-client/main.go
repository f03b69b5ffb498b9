// Command ellie-client submits one turn to an ellie server over its
// WebSocket endpoint and writes the spoken reply to a file.
//
//	ellie-client -in question.wav -out reply.mp3
//	ellie-client -text "Are you open on Saturday?" -voice nova
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/ellie/pkg/voiceclient"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	server := flag.String("server", "ws://localhost:8080/ws", "WebSocket URL of the ellie server")
	in := flag.String("in", "", "audio file to submit (wav, mp3, ogg, webm, ...)")
	text := flag.String("text", "", "text to submit instead of audio")
	out := flag.String("out", "reply.mp3", "where to write the reply audio")
	voice := flag.String("voice", "", "reply voice (alloy, echo, fable, onyx, nova, shimmer)")
	speed := flag.Float64("speed", 0, "reply speed between 0.25 and 4.0; 0 uses the server default")
	language := flag.String("language", "", "language hint, e.g. en or pt-BR")
	accessible := flag.Bool("accessible", false, "ask for plain, short replies")
	timeout := flag.Duration("timeout", 2*time.Minute, "give up after this long")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if (*in == "") == (*text == "") {
		fmt.Fprintln(os.Stderr, "ellie-client: exactly one of -in and -text is required")
		flag.Usage()
		return 2
	}

	u := voiceclient.Utterance{
		Text:              *text,
		Voice:             *voice,
		Speed:             *speed,
		Language:          *language,
		AccessibilityMode: *accessible,
	}
	if *in != "" {
		data, err := os.ReadFile(*in)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ellie-client: %v\n", err)
			return 1
		}
		u.Audio, u.Filename = data, filepath.Base(*in)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	player := &filePlayer{path: *out}
	reply, err := converse(ctx, *server, u, player, logger)
	if err == nil {
		err = player.err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ellie-client: %v\n", err)
		return 1
	}
	fmt.Printf("you:   %s\n", reply.heard)
	fmt.Printf("ellie: %s\n", reply.said)
	if reply.audio {
		fmt.Printf("audio: %s\n", *out)
	} else {
		fmt.Println("audio: (text only)")
	}
	return 0
}

type exchange struct {
	heard string
	said  string
	audio bool
}

// converse runs one turn to completion: connect, submit, wait until the
// session is idle again after playback.
func converse(ctx context.Context, url string, u voiceclient.Utterance, p voiceclient.Player, logger *slog.Logger) (exchange, error) {
	sess := voiceclient.New(
		voiceclient.NewWSTransport(url, voiceclient.WithTransportLogger(logger)),
		p,
		voiceclient.WithLogger(logger),
	)
	defer func() { _ = sess.Close() }()

	finished := make(chan error, 1)
	var busy atomic.Bool
	sess.OnChange(func(s voiceclient.Snapshot) {
		if s.Status != "" {
			logger.Info("status", "stage", s.Status)
		}
		switch s.State {
		case voiceclient.StateProcessing, voiceclient.StateSpeaking:
			busy.Store(true)
		case voiceclient.StateError:
			report(finished, s.Err)
		case voiceclient.StateIdle:
			if busy.Load() {
				report(finished, nil)
			}
		}
	})

	if err := sess.Connect(ctx); err != nil {
		return exchange{}, err
	}
	if _, err := sess.Submit(ctx, u); err != nil {
		return exchange{}, err
	}

	select {
	case err := <-finished:
		if err != nil {
			return exchange{}, err
		}
	case <-ctx.Done():
		return exchange{}, fmt.Errorf("waiting for reply: %w", ctx.Err())
	}

	msgs := sess.Messages()
	if len(msgs) < 2 {
		return exchange{}, errors.New("no reply received")
	}
	user, bot := msgs[len(msgs)-2], msgs[len(msgs)-1]
	return exchange{heard: user.Content, said: bot.Content, audio: bot.Audio != nil}, nil
}

// report delivers the first outcome only.
func report(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// filePlayer "plays" reply audio by writing it to path. err holds the
// outcome of the last write.
type filePlayer struct {
	path string
	err  error
}

var _ voiceclient.Player = (*filePlayer)(nil)

func (f *filePlayer) Play(_ context.Context, h *voiceclient.AudioHandle, done func(error)) {
	data := h.Bytes()
	if data == nil {
		f.err = errors.New("audio released before playback")
	} else {
		f.err = os.WriteFile(f.path, data, 0o644)
	}
	done(f.err)
}

func (f *filePlayer) Stop() {}
