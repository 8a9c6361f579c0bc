package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents upgrades to a WebSocket and streams lifecycle events until
// the client goes away. ?userId narrows the stream to one user.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, req routeRequest) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "event stream is not enabled", req.correlationID)
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("userId"))
	if filter != "" {
		normalized, err := notebook.NormalizeUserID(filter)
		if err != nil {
			s.writeServiceError(w, err, req.correlationID)
			return
		}
		filter = normalized
	}
	if s.cfg.JWTSecret != "" && req.claims.UserID != "" {
		if filter != "" && !req.claims.allowsUser(filter) {
			writeError(w, http.StatusForbidden, "forbidden", "user mismatch", req.correlationID)
			return
		}
		if pinned, err := notebook.NormalizeUserID(req.claims.UserID); err == nil {
			filter = pinned
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "correlation_id", req.correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, unsubscribe := s.cfg.Events.Subscribe()
	defer unsubscribe()

	// CloseRead discards client frames and cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "broker closed")
				return
			}
			if filter != "" && event.UserID != filter {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("event stream write failed", "correlation_id", req.correlationID, "error", err)
				}
				return
			}
		}
	}
}

// originPatterns turns allowed origins into the host patterns the WebSocket
// handshake matches against.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			out = append(out, parsed.Host)
			continue
		}
		out = append(out, origin)
	}
	return out
}
