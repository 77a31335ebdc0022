// Package mockfeed serves a synthetic level2_50 feed over a plain
// websocket. It honors the identical wire contract as the live feed,
// so the feed manager connects to it without special-casing: validate
// the subscribe request, acknowledge, send one snapshot, then emit
// delta batches at a fixed cadence.
package mockfeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/protocol"
)

type Server struct {
	cfg       *config.Config
	generator *Generator
	log       *logger.Log

	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:       cfg,
		generator: NewGenerator(cfg.Pair, cfg.Mock.SnapshotLevels, cfg.Mock.UpdateCount),
		log:       logger.GetLogger(),
		wg:        &sync.WaitGroup{},
	}
}

// Start listens on the configured address and serves connections until
// Stop or context cancellation.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mock feed server already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("mockfeed").WithPair(s.cfg.Pair)

	listener, err := net.Listen("tcp", s.cfg.Mock.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Mock.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{Handler: s}
	s.mu.Unlock()

	log.WithFields(logger.Fields{
		"addr":         listener.Addr().String(),
		"levels":       s.cfg.Mock.SnapshotLevels,
		"update_count": s.cfg.Mock.UpdateCount,
		"interval":     s.cfg.Mock.UpdateInterval().String(),
	}).Info("starting mock feed server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("mock feed server stopped serving")
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when the configured
// port is 0.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()

	s.log.WithComponent("mockfeed").Info("stopping mock feed server")
	if srv != nil {
		srv.Close()
	}
	s.wg.Wait()
	s.log.WithComponent("mockfeed").Info("mock feed server stopped")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithComponent("mockfeed").WithPair(s.cfg.Pair).WithFields(logger.Fields{
		"remote": r.RemoteAddr,
	})

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConnection(conn, log)
	}()
}

// handleConnection runs one subscriber session. A rejected subscribe
// request refuses only that connection; the server keeps serving.
func (s *Server) handleConnection(conn *websocket.Conn, log *logger.Entry) {
	defer conn.Close()

	log.Info("connection established")

	// a client that never subscribes must not pin the connection open
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		log.WithError(err).Warn("failed to read subscribe request")
		return
	}

	if _, err := protocol.ValidateSubscribeRequest(raw, s.cfg.Pair); err != nil {
		log.WithError(err).Warn("rejecting subscription")
		return
	}
	log.Info("subscription validated")

	if err := conn.WriteJSON(s.generator.Ack()); err != nil {
		log.WithError(err).Warn("failed to send subscription ack")
		return
	}

	if err := conn.WriteJSON(s.generator.Snapshot()); err != nil {
		log.WithError(err).Warn("failed to send snapshot")
		return
	}
	log.Info("snapshot sent")

	// One update batch per interval, paced even when the client
	// drains slowly.
	limiter := rate.NewLimiter(rate.Every(s.cfg.Mock.UpdateInterval()), 1)
	for {
		if err := limiter.Wait(s.ctx); err != nil {
			return
		}
		if err := conn.WriteJSON(s.generator.Update()); err != nil {
			log.WithError(err).Warn("failed to send update, closing connection")
			return
		}
	}
}
