package ws

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/ellie/internal/api"
	"github.com/MrWong99/ellie/internal/apierror"
	"github.com/MrWong99/ellie/internal/observe"
	"github.com/MrWong99/ellie/internal/turn"
	"github.com/MrWong99/ellie/pkg/wire"
)

const maxSessionIDLength = 128

var errBusy = apierror.New(apierror.CodeServiceUnavailable, "server is at capacity, retry shortly")

// conn is one upgraded connection. Reads happen on the serve goroutine only;
// writes from turn goroutines and the heartbeat are serialized by writeMu.
type conn struct {
	srv       *Server
	ws        *websocket.Conn
	id        string
	sessionID string
	log       *slog.Logger

	writeMu sync.Mutex
	turns   sync.WaitGroup
}

func newConn(s *Server, ws *websocket.Conn, sessionID string) *conn {
	id := uuid.NewString()
	return &conn{
		srv:       s,
		ws:        ws,
		id:        id,
		sessionID: sessionID,
		log:       s.log.With("connection_id", id, "session_id", sessionID),
	}
}

// serve runs the read loop until the peer goes away, the read deadline
// passes or the server closes.
func (c *conn) serve() {
	ctx, cancel := context.WithCancel(c.srv.ctx)
	keepAliveDone := make(chan struct{})
	defer func() {
		cancel()
		<-keepAliveDone
		c.turns.Wait()
		_ = c.ws.Close()
	}()

	pongWait := 2 * c.srv.heartbeat
	c.ws.SetReadLimit(c.srv.readLimit())
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(keepAliveDone)
		c.keepAlive(ctx)
	}()

	c.log.Info("ws: connection opened")
	err := c.send(wire.TypeConnectionEstablished, "", wire.ConnectionEstablished{
		ConnectionID: c.id,
		SessionID:    c.sessionID,
	})
	if err != nil {
		c.log.Warn("ws: greeting failed", "err", err)
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil, isExpectedClose(err):
				c.log.Info("ws: connection closed")
			default:
				c.log.Info("ws: connection lost", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(ctx, data)
	}
}

// keepAlive sends a heartbeat event and a ping control frame every interval.
// When ctx ends it closes the socket, which unblocks the read loop.
func (c *conn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.srv.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = c.ws.Close()
			return
		case <-ticker.C:
			if err := c.send(wire.TypeHeartbeat, "", nil); err != nil {
				c.log.Debug("ws: heartbeat failed", "err", err)
				_ = c.ws.Close()
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug("ws: ping failed", "err", err)
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *conn) handle(ctx context.Context, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("", apierror.New(apierror.CodeValidation, "malformed message"))
		return
	}

	switch env.Type {
	case wire.TypePing:
		pong, _ := wire.NewEnvelope(wire.TypePong, nil)
		pong.ID = env.ID
		pong.SessionID = c.sessionID
		if err := c.write(pong); err != nil {
			c.log.Debug("ws: pong failed", "err", err)
		}
	case wire.TypeSubmitTurn:
		c.submit(ctx, env)
	default:
		c.sendError(env.TurnID, apierror.New(apierror.CodeValidation, fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

// submit validates a submit_turn message and starts the turn on its own
// goroutine. Rejections are reported as error events.
func (c *conn) submit(ctx context.Context, env wire.Envelope) {
	var p wire.SubmitTurn
	if err := env.Decode(&p); err != nil {
		c.sendError(env.TurnID, apierror.New(apierror.CodeValidation, "submit_turn data must be an object"))
		return
	}

	req, err := api.ValidateTurn(api.TurnInput{
		Audio:             p.Audio,
		Filename:          p.Filename,
		Text:              p.Text,
		History:           p.History,
		Voice:             p.Voice,
		Speed:             p.Speed,
		Language:          p.Language,
		AccessibilityMode: p.AccessibilityMode,
		SessionID:         cmp.Or(env.SessionID, c.sessionID),
		TurnID:            env.TurnID,
	}, c.srv.limits, c.srv.defaults())
	if err != nil {
		c.sendError(env.TurnID, err)
		return
	}

	release, ok := c.srv.admitTurn()
	if !ok {
		c.sendError(req.TurnID, errBusy)
		return
	}

	req.OnStatus = func(st turn.Status) {
		if err := c.send(wire.TypeTurnStatus, req.TurnID, wire.TurnStatus{Stage: string(st.Stage), Message: st.Message}); err != nil {
			c.log.Debug("ws: status push failed", "turn_id", req.TurnID, "err", err)
		}
	}
	c.turns.Go(func() {
		defer release()
		c.runTurn(ctx, req)
	})
}

func (c *conn) runTurn(ctx context.Context, req turn.Request) {
	ctx = observe.WithRequestID(ctx, req.TurnID)
	defer func() {
		if v := recover(); v != nil {
			c.log.Error("ws: turn panicked", "turn_id", req.TurnID, "panic", v, "stack", string(debug.Stack()))
			c.sendError(req.TurnID, fmt.Errorf("ws: panic: %v", v))
		}
	}()
	res, err := c.srv.runner.Run(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			c.log.Debug("ws: turn abandoned", "turn_id", req.TurnID, "err", err)
			return
		}
		c.sendError(req.TurnID, err)
		return
	}
	if err := c.send(wire.TypeTurnResult, req.TurnID, api.NewTurnResponse(res)); err != nil {
		c.log.Warn("ws: result delivery failed", "turn_id", req.TurnID, "err", err)
	}
}

func (c *conn) send(typ wire.Type, turnID string, data any) error {
	env, err := wire.NewEnvelope(typ, data)
	if err != nil {
		return err
	}
	env.ID = uuid.NewString()
	env.SessionID = c.sessionID
	env.TurnID = turnID
	return c.write(env)
}

func (c *conn) write(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

// sendError converts err into an error event. Internal error text never
// reaches the client.
func (c *conn) sendError(turnID string, err error) {
	body, status := apierror.FromError(err, turnID, false)
	if status >= http.StatusInternalServerError {
		c.log.Error("ws: turn failed", "turn_id", turnID, "code", body.Code, "err", err)
	} else {
		c.log.Debug("ws: message rejected", "turn_id", turnID, "code", body.Code, "err", err)
	}
	if werr := c.send(wire.TypeError, turnID, wire.Error{Code: string(body.Code), Message: body.Message}); werr != nil {
		c.log.Debug("ws: error event failed", "err", werr)
	}
}

func (s *Server) admitTurn() (release func(), ok bool) {
	if s.turns == nil {
		return func() {}, true
	}
	if !s.turns.TryAcquire(1) {
		return nil, false
	}
	return func() { s.turns.Release(1) }, true
}

// sessionIDFromQuery returns the session_id query parameter, or a new id when
// it is absent or unusable.
func sessionIDFromQuery(r *http.Request) string {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" || len(id) > maxSessionIDLength {
		return uuid.NewString()
	}
	for _, ch := range id {
		if ch > unicode.MaxASCII || !unicode.IsPrint(ch) || unicode.IsSpace(ch) {
			return uuid.NewString()
		}
	}
	return id
}
