// Package watch streams call session status changes over a websocket.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	ws "nhooyr.io/websocket"

	"yuzu/coach/internal/store"
	"yuzu/coach/internal/types"
)

const (
	MsgStatus  = "status"
	MsgDeleted = "deleted"
)

type Message struct {
	Type      string         `json:"type"`
	TsMs      int64          `json:"ts_ms"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Status    types.Status   `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Server struct {
	Store    store.Store
	Reg      *Registry
	Log      *logrus.Logger
	Interval time.Duration
}

func NewServer(st store.Store, reg *Registry, log *logrus.Logger, interval time.Duration) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{Store: st, Reg: reg, Log: log, Interval: interval}
}

// Terminal reports whether a stream should end once status s has been sent.
func Terminal(s types.Status) bool {
	return s == types.StatusDone || s == types.StatusError
}

// Stream upgrades the request and pushes a message each time the session's
// status changes, starting with the current one. The stream closes normally
// after a terminal status or when the session disappears. Authorization is
// the caller's job.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	log := s.Log.WithField("session_id", sessionID)
	c, err := ws.Accept(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("watch accept failed")
		return
	}
	if s.Reg.Replace(sessionID, userID, c) {
		log.Debug("previous watch stream replaced")
	}
	defer s.Reg.Remove(sessionID, userID, c)

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := c.CloseRead(r.Context())

	reason, err := s.pump(ctx, c, sessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Debug("watch stream ended")
		}
		_ = c.Close(ws.StatusInternalError, "stream failed")
		return
	}
	_ = c.Close(ws.StatusNormalClosure, reason)
}

func (s *Server) pump(ctx context.Context, c *ws.Conn, sessionID string) (string, error) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	var (
		seq  int64
		last types.Status
	)
	for {
		sess, err := s.Store.Get(ctx, sessionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			seq++
			return "deleted", s.send(ctx, c, Message{Type: MsgDeleted, SessionID: sessionID, Seq: seq})
		case err != nil:
			return "", err
		}

		if sess.Status != last {
			last = sess.Status
			seq++
			msg := Message{Type: MsgStatus, SessionID: sessionID, Seq: seq, Status: sess.Status}
			if m, ok := sess.AnalysisResults.ErrorMessage(); ok && sess.Status == types.StatusError {
				msg.Error = m
			}
			if err := s.send(ctx, c, msg); err != nil {
				return "", err
			}
			if Terminal(sess.Status) {
				return string(sess.Status), nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) send(ctx context.Context, c *ws.Conn, m Message) error {
	m.TsMs = time.Now().UnixMilli()
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Write(wctx, ws.MessageText, b); err != nil {
		return err
	}
	streamMessages.WithLabelValues(m.Type).Inc()
	return nil
}
