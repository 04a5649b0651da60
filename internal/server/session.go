package server

import (
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentchat/relay/internal/protocol"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second

	// Pre-auth connections get a much tighter frame budget.
	preAuthMaxFrames  = 10
	preAuthWindow     = 10 * time.Second
	postAuthMaxFrames = 60
	postAuthWindow    = 10 * time.Second
)

// authChallenge is a pending IDENTIFY challenge bound to one connection.
type authChallenge struct {
	id        string
	nonce     string
	expiresAt time.Time
	// identity captured from the IDENTIFY frame, applied once the
	// challenge is answered
	name    string
	pubkey  ed25519.PublicKey
	pubPEM  string
	agentID string
	isAdmin bool
}

// outFrame is one queued outbound write. close marks an in-order
// termination: the write pump flushes everything ahead of it, then sends
// a close frame and exits.
type outFrame struct {
	data  []byte
	close bool
}

// session is one live connection. The read loop owns pre-auth fields;
// once registered, identity and channel fields are guarded by the server
// mutex like all other shared state.
type session struct {
	srv  *Server
	conn *websocket.Conn
	send chan outFrame

	remoteIP    string
	connectedAt time.Time
	lastPong    atomic.Int64 // unix ms

	closeOnce sync.Once
	closed    chan struct{}

	identified bool
	displaced  bool // a newer connection took over this identity
	agentID    string
	name       string
	nick       string
	pubPEM     string
	pubkey     ed25519.PublicKey
	isAdmin    bool
	presence   string
	statusText string
	channels   map[string]bool

	challenge *authChallenge

	preAuthWin *slidingWindow
	frameWin   *slidingWindow
	lastMsgAt  time.Time
}

func newSession(srv *Server, conn *websocket.Conn, remoteIP string) *session {
	s := &session{
		srv:         srv,
		conn:        conn,
		send:        make(chan outFrame, sendBufferSize),
		remoteIP:    remoteIP,
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
		presence:    protocol.PresenceOnline,
		channels:    make(map[string]bool),
		preAuthWin:  newSlidingWindow(preAuthMaxFrames, preAuthWindow),
		frameWin:    newSlidingWindow(postAuthMaxFrames, postAuthWindow),
	}
	s.lastPong.Store(time.Now().UnixMilli())
	return s
}

// trySend queues a frame without blocking. A saturated peer drops the
// frame rather than stalling the caller (best-effort fan-out).
func (s *session) trySend(frame []byte) {
	select {
	case s.send <- outFrame{data: frame}:
	default:
		s.srv.metrics.DroppedFrames.Inc()
	}
}

// sendThenClose queues a final frame followed by an in-order close, so a
// terminal notice is flushed before the socket dies.
func (s *session) sendThenClose(frame []byte) {
	s.trySend(frame)
	select {
	case s.send <- outFrame{close: true}:
	default:
		s.close()
	}
}

// sendError queues an ERROR frame and counts it.
func (s *session) sendError(code protocol.ErrorCode, reason string) {
	s.srv.metrics.ErrorsOut.WithLabelValues(string(code)).Inc()
	s.trySend(protocol.ErrorFrame(code, reason))
}

// close tears the connection down exactly once. The read pump's exit
// triggers the server-side disconnect cleanup.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// writePump drains the send queue and drives the heartbeat. A connection
// that has not answered a ping since the previous tick is terminated.
func (s *session) writePump() {
	interval := s.srv.heartbeatInterval
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if frame.close {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				return
			}
		case <-ticker.C:
			sincePong := time.Since(time.UnixMilli(s.lastPong.Load()))
			if sincePong > interval+s.srv.heartbeatTimeout {
				s.srv.logger.Printf("heartbeat timeout for %s (%.0fs silent)", s.describe(), sincePong.Seconds())
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readPump reads frames sequentially: one handler runs to completion
// before the next frame from this connection is processed.
func (s *session) readPump() {
	defer func() {
		s.srv.handleDisconnect(s)
		s.close()
	}()

	s.conn.SetReadLimit(protocol.MaxFrameSize + 1)
	pongWait := s.srv.heartbeatInterval + s.srv.heartbeatTimeout
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixMilli())
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if err == websocket.ErrReadLimit {
				s.sendError(protocol.ErrInvalidMsg, "frame too large")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch s.rateGate() {
		case gateClose:
			return
		case gateDrop:
			continue
		case gateOK:
			s.srv.dispatch(s, raw)
		}
	}
}

type gateVerdict int

const (
	gateOK gateVerdict = iota
	gateDrop
	gateClose
)

// rateGate applies the sliding-window budgets. Pre-auth violations close
// the socket; post-auth violations surface RATE_LIMITED, discard the
// frame, and keep the connection.
func (s *session) rateGate() gateVerdict {
	now := time.Now()
	if !s.identified {
		if !s.preAuthWin.Allow(now) {
			s.srv.logger.Printf("pre-auth rate limit exceeded from %s, closing", s.remoteIP)
			return gateClose
		}
		return gateOK
	}
	if !s.frameWin.Allow(now) {
		s.sendError(protocol.ErrRateLimited, "frame rate limit exceeded")
		return gateDrop
	}
	return gateOK
}

// msgThrottled applies the per-connection MSG pacing (one per rateLimitMs).
func (s *session) msgThrottled(now time.Time) bool {
	if !s.lastMsgAt.IsZero() && now.Sub(s.lastMsgAt) < s.srv.rateLimitEvery {
		return true
	}
	s.lastMsgAt = now
	return false
}

func (s *session) describe() string {
	if s.identified {
		return wire(s.agentID)
	}
	return "pre-auth " + s.remoteIP
}
