package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"aichatserver/pkg/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Server accepts TCP connections and runs one Handler goroutine per
// connection, bounded by a semaphore so a connection storm cannot grow the
// worker count without limit.
type Server struct {
	cfg       *config.Config
	identity  IdentityService
	chat      ChatService
	completer Completer

	listener net.Listener
	workers  *semaphore.Weighted
	wg       sync.WaitGroup
}

func New(cfg *config.Config, identitySvc IdentityService, chatSvc ChatService, completer Completer) *Server {
	return &Server{
		cfg:       cfg,
		identity:  identitySvc,
		chat:      chatSvc,
		completer: completer,
		workers:   semaphore.NewWeighted(cfg.MaxConnections),
	}
}

func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.ServerHost, s.cfg.ServerPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	logrus.Infof("Server listening on %s (max connections: %d)", listener.Addr(), s.cfg.MaxConnections)
	return nil
}

// Addr returns the bound listen address; nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. On cancellation it stops
// accepting, closes the listener, signals the connection handlers through
// ctx, and waits for them to drain before returning.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	go func() {
		<-ctx.Done()
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logrus.Errorf("Error closing listener: %v", err)
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			logrus.Errorf("Error accepting connection: %v", err)
			continue
		}

		// Blocks while the pool is saturated; pending connections wait
		// here instead of spawning unbounded workers.
		if err := s.workers.Acquire(ctx, 1); err != nil {
			conn.Close()
			break
		}

		connID := uuid.NewString()
		handler := NewHandler(conn, connID, s.identity, s.chat, s.completer, s.cfg.JWTSigningKey, s.cfg.TokenTTL)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.workers.Release(1)
			handler.Handle(ctx)
		}()
	}

	logrus.Info("Listener stopped, waiting for active connections to finish")
	s.wg.Wait()
	return nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}
