package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/engine"
	"github.com/stemsi/exstem-simulator/internal/middleware"
	"github.com/stemsi/exstem-simulator/internal/model"
	"github.com/stemsi/exstem-simulator/internal/response"
	"github.com/stemsi/exstem-simulator/internal/service"
	ws "github.com/stemsi/exstem-simulator/internal/websocket"
)

var errMissingIndex = errors.New("index is required")

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live exam over WebSocket and accepts commands on the
// same connection.
type WSHandler struct {
	simulator *service.SimulatorService
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(simulator *service.SimulatorService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		simulator: simulator,
		log:       log.With().Str("component", "ws_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
	}
}

// ExamStream godoc
// WS /ws/v1/simulator/exams/:attempt_id/stream
// Pushes tick, phase and results events. Commands sent by the client are
// answered with the new exam state or an error frame.
func (h *WSHandler) ExamStream(c *gin.Context) {
	user, ok := middleware.GetSessionContext(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Resolve the exam before upgrading so failures are plain HTTP errors.
	ctrl, err := h.simulator.Get(c.Request.Context(), user, attemptID)
	if err != nil {
		failWithError(c, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("user_id", user.UserID).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	events, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	out := make(chan interface{}, 16)
	done := make(chan struct{})
	go h.writeLoop(conn, wsLog, events, out, done)

	out <- ws.Message{Event: ws.EventState, Data: ctrl.Snapshot()}
	ws.KeepAlive(conn)

	// Commands keep the request's values but not its cancellation.
	ctx := context.WithoutCancel(c.Request.Context())
	for {
		var req ws.Request
		if err := ws.ReadJSON(conn, &req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		reply := h.apply(ctx, user, ctrl, &req)
		select {
		case out <- reply:
		case <-done:
			return
		}
	}

	close(out)
	<-done
	// The exam keeps running after a disconnect; the clock is not paused.
	wsLog.Info().Msg("Candidate disconnected")
}

// writeLoop owns all writes to conn.
func (h *WSHandler) writeLoop(conn *websocket.Conn, log zerolog.Logger, events <-chan engine.Event, out <-chan interface{}, done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "exam closed"),
					time.Now().Add(time.Second))
				conn.Close()
				return
			}
			if err := ws.WriteMessage(conn, ws.Event(ev.Type), ev); err != nil {
				log.Debug().Err(err).Msg("Event write failed")
				conn.Close()
				return
			}
		case msg, ok := <-out:
			if !ok {
				return
			}
			if err := ws.WriteTyped(conn, msg); err != nil {
				log.Debug().Err(err).Msg("Reply write failed")
				conn.Close()
				return
			}
		case <-ping.C:
			if err := ws.WritePing(conn); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// apply runs one client command and builds the reply frame.
func (h *WSHandler) apply(ctx context.Context, user model.SessionContext, ctrl *engine.ExamSessionController, req *ws.Request) interface{} {
	var err error
	switch req.Action {
	case ws.ActionPing:
		return ws.Message{Event: ws.EventPong}
	case ws.ActionAnswer:
		var l model.Letter
		if l, err = model.ParseLetter(req.Answer); err != nil {
			return ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrValidation), Error: err.Error()}
		}
		err = ctrl.SelectAnswer(l)
	case ws.ActionNext:
		err = ctrl.Next()
	case ws.ActionPrevious:
		err = ctrl.Previous()
	case ws.ActionJump:
		if req.Index == nil {
			return ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrValidation), Error: errMissingIndex.Error()}
		}
		err = ctrl.JumpTo(*req.Index)
	case ws.ActionFlag:
		_, err = ctrl.ToggleFlag()
	case ws.ActionFinish:
		_, err = ctrl.FinishSession()
	case ws.ActionContinue:
		_, err = h.simulator.Continue(ctx, user, ctrl.AttemptID())
	default:
		h.log.Warn().Str("action", string(req.Action)).Msg("Unknown action")
		return ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrInvalidPayload), Error: "unknown action: " + string(req.Action)}
	}

	if err != nil {
		_, code := errorStatus(err)
		return ws.ErrorResponse{Event: ws.EventError, Code: string(code), Error: response.GetMessage(code)}
	}
	return ws.Message{Event: ws.EventState, Data: ctrl.Snapshot()}
}
