// Package server implements the AgentChat relay: the WebSocket session
// layer, the frame router, channel membership and fan-out, the auth
// handshake, peer verification, floor control wiring, and the background
// sweeps. All shared state lives behind the server mutex so concurrent
// connections observe linearizable mutations.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentchat/relay/internal/arbitration"
	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/escrow"
	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/floor"
	"github.com/agentchat/relay/internal/moderation"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/reputation"
	"github.com/agentchat/relay/internal/skills"
)

// Version reported by the health endpoint.
const Version = "1.2.0"

// verification is one in-flight peer identity check.
type verification struct {
	requestID string
	requester string
	target    string
	targetPEM string
	nonce     string
	expiresAt time.Time
}

// Server is the relay. One instance owns every live connection.
type Server struct {
	cfg     *config.Config
	motd    string
	started time.Time

	mu            sync.RWMutex
	sessions      map[string]*session // bare agent id -> live session
	preAuth       map[*session]bool   // connections awaiting IDENTIFY
	channels      map[string]*channel
	verifications map[string]*verification
	ipCounts      map[string]int

	allow *accessList
	ban   *accessList

	ratings    *reputation.Store
	repMetrics *reputation.Metrics
	escrow     *escrow.Ledger
	proposals  *proposal.Store
	skills     *skills.Registry
	floors     *floor.Control
	pipeline   *moderation.Pipeline
	court      *arbitration.Court // nil unless arbitration is enabled
	bus        *events.Bus
	metrics    *serverMetrics
	registry   *prometheus.Registry

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	rateLimitEvery    time.Duration
	floorTTL          time.Duration

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	logger   *log.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

// New builds a relay from config. Nothing listens until Run.
func New(cfg *config.Config) (*Server, error) {
	allow, err := loadAccessList(cfg.Allowlist.File)
	if err != nil {
		return nil, err
	}
	ban, err := loadAccessList(cfg.Banlist.File)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	repMetrics := reputation.NewMetrics(registry)
	ratings := reputation.NewStore(cfg.Reputation.SnapshotPath, repMetrics)
	ratings.ScaleKByAmount(cfg.Reputation.ScaleKByAmount)

	s := &Server{
		cfg:           cfg,
		motd:          cfg.MOTD.Load(),
		sessions:      make(map[string]*session),
		preAuth:       make(map[*session]bool),
		channels:      make(map[string]*channel),
		verifications: make(map[string]*verification),
		ipCounts:      make(map[string]int),
		allow:         allow,
		ban:           ban,
		ratings:       ratings,
		repMetrics:    repMetrics,
		proposals:     proposal.NewStore(),
		floors:        floor.NewControl(),
		pipeline:      moderation.NewPipeline(),
		bus:           events.NewBus(),
		metrics:       newServerMetrics(registry),
		registry:      registry,

		heartbeatInterval: msDur(cfg.Timeouts.HeartbeatIntervalMs),
		heartbeatTimeout:  msDur(cfg.Timeouts.HeartbeatTimeoutMs),
		rateLimitEvery:    msDur(cfg.Limits.RateLimitMs),
		floorTTL:          30 * time.Second,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
		done:   make(chan struct{}),
	}

	s.escrow = escrow.NewLedger(func(agentID string) int {
		rating, _ := s.ratings.Get(agentID)
		return rating
	})
	s.skills = skills.NewRegistry(s.ratings.Get)

	if cfg.Arbitration.Enabled {
		s.court = arbitration.NewCourt(arbitration.Config{
			PanelSize:            cfg.Arbitration.PanelSize,
			MinArbiterRating:     cfg.Arbitration.MinArbiterRating,
			MinArbiterTxns:       cfg.Arbitration.MinArbiterTxns,
			MinArbiterAge:        msDur(cfg.Arbitration.MinArbiterAgeMs),
			RevealWindow:         msDur(cfg.Arbitration.RevealWindowMs),
			EvidenceWindow:       msDur(cfg.Arbitration.EvidenceWindowMs),
			DeliberationWindow:   msDur(cfg.Arbitration.DeliberationWindowMs),
			MaxReplacementRounds: 2,
			ArbiterReward:        cfg.Arbitration.ArbiterReward,
			ArbiterPenalty:       cfg.Arbitration.ArbiterPenalty,
		})
	}

	for _, name := range cfg.Channels.Defaults {
		s.channels[name] = newChannel(name, false, cfg.Limits.MessageBufferSize)
	}
	s.metrics.ChannelsTotal.Set(float64(len(s.channels)))

	return s, nil
}

// Pipeline exposes the moderation host so deployments can register
// plugins before Run.
func (s *Server) Pipeline() *moderation.Pipeline { return s.pipeline }

// Bus exposes the lifecycle event bus.
func (s *Server) Bus() *events.Bus { return s.bus }

// Run starts the listener and the background sweeps, blocking until the
// listener stops.
func (s *Server) Run() error {
	s.started = time.Now()

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	// Bare upgrade requests on / are accepted too; agents historically
	// connect to the root path.
	r.HandleFunc("/", s.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: r}

	s.startSweeps()

	if s.cfg.TLS.Enabled() {
		s.logger.Printf("listening on wss://%s (server=%s)", addr, s.cfg.Server.Name)
		err := s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
	s.logger.Printf("listening on ws://%s (server=%s)", addr, s.cfg.Server.Name)
	if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting, cancels the sweeps, flushes the rating
// snapshot, and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var httpErr error
	if s.httpSrv != nil {
		httpErr = s.httpSrv.Shutdown(ctx)
	}

	close(s.done)
	s.wg.Wait()

	if err := s.ratings.Flush(); err != nil {
		s.logger.Printf("failed to flush rating snapshot: %v", err)
	}
	s.pipeline.Cleanup()

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
	return httpErr
}

// handleWS upgrades one connection and runs its pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if max := s.cfg.Limits.MaxConnectionsPerIP; max > 0 {
		s.mu.Lock()
		if s.ipCounts[ip] >= max {
			s.mu.Unlock()
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		s.ipCounts[ip]++
		s.mu.Unlock()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade failed from %s: %v", ip, err)
		s.releaseIP(ip)
		return
	}

	sess := newSession(s, conn, ip)
	s.mu.Lock()
	s.preAuth[sess] = true
	s.mu.Unlock()
	s.metrics.AgentsConnected.Inc()

	go sess.writePump()
	go sess.readPump()
}

func (s *Server) releaseIP(ip string) {
	if s.cfg.Limits.MaxConnectionsPerIP <= 0 {
		return
	}
	s.mu.Lock()
	if s.ipCounts[ip] > 0 {
		s.ipCounts[ip]--
		if s.ipCounts[ip] == 0 {
			delete(s.ipCounts, ip)
		}
	}
	s.mu.Unlock()
}

// handleDisconnect runs when a session's read loop exits: membership,
// pending verifications, and the identity mapping are torn down under the
// server mutex together with the AGENT_LEFT broadcasts; the agent's floor
// claims are released right after the mutex is dropped.
func (s *Server) handleDisconnect(sess *session) {
	s.metrics.AgentsConnected.Dec()
	s.releaseIP(sess.remoteIP)

	if !sess.identified {
		s.mu.Lock()
		delete(s.preAuth, sess)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	// A displaced session's identity now belongs to a newer connection;
	// its channel membership was already torn down, and agent-level state
	// (floor claims, verifications, moderation) must be left alone.
	if sess.displaced {
		s.mu.Unlock()
		s.logger.Printf("displaced connection for %s closed", wire(sess.agentID))
		return
	}
	if cur, ok := s.sessions[sess.agentID]; ok && cur == sess {
		delete(s.sessions, sess.agentID)
	}
	s.removeFromChannelsLocked(sess)

	for id, v := range s.verifications {
		if v.requester == sess.agentID || v.target == sess.agentID {
			delete(s.verifications, id)
			if v.requester != sess.agentID {
				if req, ok := s.sessions[v.requester]; ok {
					req.trySend(verifyFailedFrame(id, v.target, "target disconnected"))
				}
			}
		}
	}
	s.metrics.AgentsWithIdentity.Set(float64(s.countKeyedLocked()))
	s.mu.Unlock()

	released := s.floors.ReleaseAgent(sess.agentID)
	if released > 0 {
		s.logger.Printf("released %d floor claim(s) held by %s", released, wire(sess.agentID))
	}
	s.pipeline.NotifyDisconnect(sess.agentID)
	s.bus.Emit(events.AgentDisconnected, wire(sess.agentID), nil)
	s.logger.Printf("disconnected %s", sess.describe())
}

func (s *Server) countKeyedLocked() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.pubPEM != "" {
			n++
		}
	}
	return n
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func msDur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
