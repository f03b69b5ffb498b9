// Package voiceclient is the client side of a voice conversation. A
// [Session] submits utterances over a [Transport], tracks the conversation
// log and plays reply audio through a [Player].
//
// The session is a small state machine:
//
//	Idle -> Processing   Submit
//	Processing -> Speaking   matching turn_result with audio
//	Processing -> Idle       matching turn_result without audio
//	Speaking -> Idle         playback finished
//	any -> Error             error event, connection loss, failed submit
//	Error -> Idle            after the cooldown, if still connected
//	any -> Idle              successful Reconnect
//
// Only one turn is in flight at a time; Submit outside Idle returns
// [ErrBusy].
package voiceclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/ellie/pkg/retry"
	"github.com/MrWong99/ellie/pkg/wire"
)

// State is the session's position in the turn cycle.
type State int

const (
	StateIdle State = iota
	StateProcessing
	StateSpeaking
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrBusy is returned by Submit outside the Idle state.
	ErrBusy = errors.New("voiceclient: a turn is already in progress")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("voiceclient: session closed")

	// ErrConnectionLost is the error recorded when the transport's event
	// stream ends unexpectedly.
	ErrConnectionLost = errors.New("voiceclient: connection lost")
)

// Retry budgets. They are plain values; the connect and submit paths never
// share attempt counters.
var (
	ConnectRetry = retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffFactor: 2}
	SendRetry    = retry.Config{MaxAttempts: 2, InitialDelay: 250 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
)

// DefaultCooldown is how long a connected session stays in Error. A
// disconnected session stays there until Connect or Reconnect succeeds.
const DefaultCooldown = 3000 * time.Millisecond

// maxHistory matches the server's conversation_history limit.
const maxHistory = 50

// Player plays reply audio. Play must not block; it calls done exactly once
// when playback ends, with a non-nil error if it failed. Stop interrupts the
// current playback.
type Player interface {
	Play(ctx context.Context, h *AudioHandle, done func(error))
	Stop()
}

// Snapshot is the observable session state passed to OnChange observers.
type Snapshot struct {
	State     State
	Messages  []Message
	Status    string
	Connected bool
	Err       error
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithConnectRetry overrides [ConnectRetry].
func WithConnectRetry(cfg retry.Config) Option {
	return func(s *Session) { s.connectRetry = cfg }
}

// WithSendRetry overrides [SendRetry].
func WithSendRetry(cfg retry.Config) Option {
	return func(s *Session) { s.sendRetry = cfg }
}

// WithCooldown overrides [DefaultCooldown].
func WithCooldown(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// Session is one client conversation. All methods are safe for concurrent
// use.
type Session struct {
	transport    Transport
	player       Player
	log          *slog.Logger
	connectRetry retry.Config
	sendRetry    retry.Config
	cooldown     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	drains sync.WaitGroup

	mu        sync.Mutex
	state     State
	messages  []Message
	handles   map[string]*AudioHandle
	inflight  string
	playing   *AudioHandle
	status    string
	lastErr   error
	connected bool
	connGen   int
	sessionID string
	// errGen invalidates pending cooldown timers.
	errGen    int
	cooldownT *time.Timer
	closed    bool
	observers []func(Snapshot)

	closeOnce sync.Once
}

// New creates an idle, unconnected session.
func New(t Transport, p Player, opts ...Option) *Session {
	s := &Session{
		transport:    t,
		player:       p,
		log:          slog.Default(),
		connectRetry: ConnectRetry,
		sendRetry:    SendRetry,
		cooldown:     DefaultCooldown,
		handles:      make(map[string]*AudioHandle),
	}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// OnChange registers fn to receive a snapshot after every transition.
// Observers run on the goroutine that caused the change and must not call
// back into the session synchronously.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Connect opens the transport, retrying with [ConnectRetry]. When every
// attempt fails the session enters Error and stays disconnected until
// [Session.Reconnect].
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.connect(ctx)
}

// Reconnect closes any open connection and connects again. A turn in
// flight on the old connection is abandoned and its result ignored. A
// session in Error returns to Idle once connected.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.connected = false
	s.connGen++
	wasSpeaking := s.state == StateSpeaking
	if s.state == StateProcessing || wasSpeaking {
		s.state = StateIdle
		s.status = ""
	}
	s.inflight = ""
	s.playing = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if wasSpeaking {
		s.stopPlayer()
	}
	s.publish(snap)

	if err := s.transport.Close(); err != nil {
		s.log.Debug("voiceclient: closing previous connection", "err", err)
	}
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	cfg := s.connectRetry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			s.log.Warn("voiceclient: connect failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		}
	}
	err := retry.DoErr(ctx, cfg, s.transport.Connect)

	s.mu.Lock()
	if err != nil {
		s.connected = false
		s.enterErrorLocked(fmt.Errorf("voiceclient: connect: %w", err))
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		return fmt.Errorf("voiceclient: connect: %w", err)
	}
	s.connected = true
	s.connGen++
	gen := s.connGen
	if s.state == StateError {
		s.errGen++
		s.stopCooldownLocked()
		s.state = StateIdle
		s.lastErr = nil
		s.status = ""
	}
	events := s.transport.Events()
	snap := s.snapshotLocked()
	s.drains.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.drains.Done()
		s.drain(gen, events)
	}()
	s.publish(snap)
	return nil
}

// Connected reports whether the transport is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Submit starts a turn. It appends a placeholder user message, moves to
// Processing and sends the utterance with [SendRetry]. It returns the turn
// id. Outside Idle it returns [ErrBusy] and changes nothing.
func (s *Session) Submit(ctx context.Context, u Utterance) (string, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return "", ErrClosed
	case s.state != StateIdle:
		s.mu.Unlock()
		return "", ErrBusy
	case !s.connected:
		s.mu.Unlock()
		return "", ErrNotConnected
	}

	history := s.historyLocked()
	turnID := uuid.NewString()
	content := Placeholder
	if u.Text != "" {
		content = u.Text
	}
	s.messages = append(s.messages, Message{
		ID:       uuid.NewString(),
		Role:     RoleUser,
		Content:  content,
		Metadata: Metadata{TurnID: turnID},
	})
	s.state = StateProcessing
	s.inflight = turnID
	s.status = "Sending"
	sessionID := s.sessionID
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	env, err := wire.NewEnvelope(wire.TypeSubmitTurn, wire.SubmitTurn{
		Audio:             u.Audio,
		Filename:          u.Filename,
		Text:              u.Text,
		History:           history,
		Voice:             u.Voice,
		Speed:             u.Speed,
		Language:          u.Language,
		AccessibilityMode: u.AccessibilityMode,
	})
	if err == nil {
		env.ID = uuid.NewString()
		env.TurnID = turnID
		env.SessionID = sessionID
		cfg := s.sendRetry
		if cfg.OnRetry == nil {
			cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
				s.log.Warn("voiceclient: send failed, retrying", "turn_id", turnID, "attempt", attempt, "delay", delay, "err", err)
			}
		}
		err = retry.DoErr(ctx, cfg, func(ctx context.Context) error {
			err := s.transport.Send(ctx, env)
			if errors.Is(err, ErrNotConnected) {
				return retry.Permanent(err)
			}
			return err
		})
	}
	if err != nil {
		err = fmt.Errorf("voiceclient: submit: %w", err)
		s.mu.Lock()
		if s.inflight == turnID {
			s.enterErrorLocked(err)
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		return "", err
	}
	return turnID, nil
}

// historyLocked returns the dialogue so far in wire form, skipping
// placeholders and error notices.
func (s *Session) historyLocked() []wire.HistoryMessage {
	var out []wire.HistoryMessage
	for _, m := range s.messages {
		if m.Content == Placeholder || m.Metadata.Source == SourceError {
			continue
		}
		out = append(out, wire.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	if len(out) > maxHistory {
		out = out[len(out)-maxHistory:]
	}
	return out
}

// drain handles events of one connection until its channel closes.
func (s *Session) drain(gen int, events <-chan wire.Envelope) {
	if events == nil {
		return
	}
	for env := range events {
		s.handle(env)
	}

	s.mu.Lock()
	if s.closed || gen != s.connGen {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.enterErrorLocked(ErrConnectionLost)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.stopPlayer()
	s.publish(snap)
}

func (s *Session) handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypeConnectionEstablished:
		var ce wire.ConnectionEstablished
		if err := env.Decode(&ce); err != nil {
			s.log.Warn("voiceclient: bad connection_established", "err", err)
			return
		}
		s.mu.Lock()
		s.sessionID = ce.SessionID
		s.mu.Unlock()
		s.log.Debug("voiceclient: connected", "connection_id", ce.ConnectionID, "session_id", ce.SessionID)
	case wire.TypeTurnStatus:
		var st wire.TurnStatus
		if err := env.Decode(&st); err != nil {
			s.log.Warn("voiceclient: bad turn_status", "err", err)
			return
		}
		s.mu.Lock()
		if env.TurnID == "" || env.TurnID != s.inflight {
			s.mu.Unlock()
			return
		}
		s.status = st.Message
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
	case wire.TypeHeartbeat, wire.TypePong:
		s.log.Debug("voiceclient: keepalive", "type", env.Type)
	case wire.TypeTurnResult:
		s.handleResult(env)
	case wire.TypeError:
		s.handleError(env)
	default:
		s.log.Debug("voiceclient: ignoring message", "type", env.Type)
	}
}

func (s *Session) handleResult(env wire.Envelope) {
	var resp wire.TurnResponse
	if err := env.Decode(&resp); err != nil {
		s.log.Warn("voiceclient: bad turn_result", "err", err)
		return
	}
	turnID := env.TurnID
	if turnID == "" {
		turnID = resp.TurnID
	}

	s.mu.Lock()
	if s.state != StateProcessing || turnID == "" || turnID != s.inflight {
		s.mu.Unlock()
		s.log.Info("voiceclient: ignoring stale result", "turn_id", turnID)
		return
	}

	meta := Metadata{
		TurnID:     turnID,
		Confidence: resp.Confidence,
		Timings:    resp.Timings,
		Source:     resp.TranscriptionSource,
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := &s.messages[i]
		if m.Role == RoleUser && m.Metadata.TurnID == turnID {
			m.Content = resp.TranscribedText
			m.Metadata = meta
			break
		}
	}

	reply := Message{
		ID:       uuid.NewString(),
		Role:     RoleAssistant,
		Content:  resp.AIResponse,
		Metadata: Metadata{TurnID: turnID, Timings: resp.Timings},
	}
	s.inflight = ""
	s.status = ""

	var h *AudioHandle
	if len(resp.AudioBuffer) > 0 {
		h = newAudioHandle(uuid.NewString(), resp.AudioFormat, resp.AudioBuffer)
		s.handles[h.ID] = h
		reply.Audio = h
		s.playing = h
		s.state = StateSpeaking
	} else {
		s.state = StateIdle
	}
	s.messages = append(s.messages, reply)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	switch {
	case h == nil:
	case s.player == nil:
		s.playbackDone(h, nil)
	default:
		s.player.Stop()
		s.player.Play(s.ctx, h, func(err error) { s.playbackDone(h, err) })
	}
}

func (s *Session) playbackDone(h *AudioHandle, err error) {
	if err != nil {
		s.log.Warn("voiceclient: playback failed", "handle", h.ID, "err", err)
	}
	s.mu.Lock()
	if s.playing != h {
		s.mu.Unlock()
		return
	}
	s.playing = nil
	if s.state != StateSpeaking {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) handleError(env wire.Envelope) {
	var e wire.Error
	if err := env.Decode(&e); err != nil {
		e = wire.Error{Code: "UNKNOWN", Message: "server error"}
	}
	s.mu.Lock()
	if env.TurnID != "" && env.TurnID != s.inflight {
		s.mu.Unlock()
		s.log.Info("voiceclient: ignoring stale error", "turn_id", env.TurnID, "code", e.Code)
		return
	}
	wasSpeaking := s.state == StateSpeaking
	s.enterErrorLocked(fmt.Errorf("voiceclient: server error %s: %s", e.Code, e.Message))
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if wasSpeaking {
		s.stopPlayer()
	}
	s.publish(snap)
}

// enterErrorLocked moves to Error and arms the cooldown that returns the
// session to Idle.
func (s *Session) enterErrorLocked(err error) {
	s.state = StateError
	s.inflight = ""
	s.playing = nil
	s.lastErr = err
	s.status = err.Error()
	s.log.Warn("voiceclient: session error", "err", err)

	s.stopCooldownLocked()
	s.errGen++
	gen := s.errGen
	s.cooldownT = time.AfterFunc(s.cooldown, func() { s.endCooldown(gen, err) })
}

// endCooldown appends a notice describing err and returns to Idle, unless
// the session moved on since the error. A disconnected session keeps Error.
func (s *Session) endCooldown(gen int, err error) {
	s.mu.Lock()
	if s.closed || gen != s.errGen || s.state != StateError {
		s.mu.Unlock()
		return
	}
	s.cooldownT = nil
	s.messages = append(s.messages, Message{
		ID:       uuid.NewString(),
		Role:     RoleAssistant,
		Content:  "Sorry, something went wrong: " + err.Error(),
		Metadata: Metadata{Source: SourceError},
	})
	if s.connected {
		s.state = StateIdle
		s.status = ""
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) stopCooldownLocked() {
	if s.cooldownT != nil {
		s.cooldownT.Stop()
		s.cooldownT = nil
	}
}

// Clear stops playback, cancels any cooldown, revokes every audio handle,
// empties the log and returns to Idle. A result for the forgotten turn is
// ignored when it arrives.
func (s *Session) Clear() {
	s.mu.Lock()
	s.clearLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.stopPlayer()
	s.publish(snap)
}

func (s *Session) clearLocked() {
	s.stopCooldownLocked()
	s.errGen++
	for id, h := range s.handles {
		h.revoke()
		delete(s.handles, id)
	}
	s.messages = nil
	s.state = StateIdle
	s.inflight = ""
	s.playing = nil
	s.status = ""
	s.lastErr = nil
}

// Close clears the session, closes the transport and waits for the event
// goroutine to exit. Later calls return [ErrClosed].
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.clearLocked()
		s.closed = true
		s.connected = false
		s.mu.Unlock()

		s.stopPlayer()
		s.cancel()
		err = s.transport.Close()
		s.drains.Wait()
	})
	return err
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the conversation log.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// TrackedHandles returns the number of live audio handles.
func (s *Session) TrackedHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Err returns the error that last moved the session to Error, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:     s.state,
		Messages:  slices.Clone(s.messages),
		Status:    s.status,
		Connected: s.connected,
		Err:       s.lastErr,
	}
}

func (s *Session) publish(snap Snapshot) {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

func (s *Session) stopPlayer() {
	if s.player != nil {
		s.player.Stop()
	}
}
