// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/pakstat/pkg/bmp5"
	"github.com/Thermoquad/pakstat/pkg/loop"
	"github.com/Thermoquad/pakstat/pkg/source"
)

const (
	// connectTimeout bounds the wait for table definitions
	connectTimeout = 90 * time.Second
	// flushTimeout bounds the wait for the link-off frame at shutdown
	flushTimeout = 2 * time.Second

	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// connectionManager owns the transport and reopens it after a failure
type connectionManager struct {
	mu       sync.RWMutex
	conn     Connection
	connInfo string
}

func (cm *connectionManager) getConn() Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn
}

func (cm *connectionManager) setConn(conn Connection, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conn = conn
	cm.connInfo = connInfo
}

// Write sends to the current connection
func (cm *connectionManager) Write(p []byte) (int, error) {
	return cm.getConn().Write(p)
}

func (cm *connectionManager) Close() error {
	return cm.getConn().Close()
}

// reconnect opens the connection again with exponential backoff. It returns
// the context's error if ctx ends first.
func (cm *connectionManager) reconnect(ctx context.Context, log *zap.Logger) error {
	cm.getConn().Close()

	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		conn, connInfo, err := OpenConnection()
		if err == nil {
			cm.setConn(conn, connInfo)
			log.Info("connection reopened", zap.String("connection", connInfo))
			return nil
		}
		log.Warn("reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))

		// Exponential backoff
		backoff = min(backoff*2, maxBackoff)
	}
}

// session ties a connection to a source running on its own loop
type session struct {
	conn *connectionManager
	info string
	log  *zap.Logger
	loop *loop.Loop
	src  *source.Source

	// keepAlive reopens the connection when it fails instead of ending the run
	keepAlive bool

	notify    source.Listener
	ready     chan struct{}
	readyOnce sync.Once
	closed    atomic.Bool
}

// openSession opens the connection chosen by the flags. notify, when not
// nil, also receives the source's listener events on the loop.
func openSession(cfg source.Config, notify source.Listener) (*session, error) {
	conn, info, err := OpenConnection()
	if err != nil {
		return nil, err
	}
	if notify == nil {
		notify = source.BaseListener{}
	}
	s := &session{
		conn:   &connectionManager{conn: conn, connInfo: info},
		info:   info,
		log:    logger,
		loop:   loop.New(nil),
		notify: notify,
		ready:  make(chan struct{}),
	}
	s.src = source.New(s.loop, s.conn, cfg, s, logger)
	return s, nil
}

func (s *session) OnConnected(stats *bmp5.ProgStats) {
	s.readyOnce.Do(func() { close(s.ready) })
	s.notify.OnConnected(stats)
}

func (s *session) OnTableAdded(t *bmp5.Table)   { s.notify.OnTableAdded(t) }
func (s *session) OnTableRemoved(t *bmp5.Table) { s.notify.OnTableRemoved(t) }

func (s *session) OnDisconnected(err error) {
	s.log.Warn("datalogger disconnected", zap.Error(err))
	s.notify.OnDisconnected(err)
}

// run drives the source until body returns, the connection fails, or the
// process is interrupted. The link is closed before run returns.
func (s *session) run(ctx context.Context, body func(ctx context.Context) error) error {
	defer s.conn.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(context.Background())

	g.Go(func() error {
		if err := s.loop.Run(loopCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return s.readLoop(gctx)
	})

	g.Go(func() error {
		defer stopLoop()
		s.src.Start()
		err := body(gctx)
		s.shutdown()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return g.Wait()
}

func (s *session) readLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.closed.Store(true)
		s.conn.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, err := s.conn.getConn().Read(buf)
		if n > 0 {
			s.src.Receive(buf[:n])
		}
		if err == nil {
			continue
		}
		if s.closed.Load() {
			return nil
		}
		if !s.keepAlive {
			return fmt.Errorf("connection lost: %w", err)
		}
		s.log.Warn("connection lost, reconnecting", zap.Error(err))
		if err := s.conn.reconnect(ctx, s.log); err != nil {
			return nil
		}
		if s.closed.Load() {
			// Closed while reconnecting
			s.conn.Close()
			return nil
		}
	}
}

// shutdown stops the source and gives the loop a moment to send link-off
func (s *session) shutdown() {
	s.src.Stop()
	done := make(chan struct{})
	s.loop.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(flushTimeout):
	}
	s.closed.Store(true)
	s.conn.Close()
}

// waitConnected blocks until table definitions have been read
func (s *session) waitConnected(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("no answer from PakBus node %d within %s", neighborAddr, connectTimeout)
	}
}

// call runs fn on the loop and waits for it
func (s *session) call(fn func()) {
	done := make(chan struct{})
	s.loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// await starts an operation and waits for its completion callback
func await[T any](ctx context.Context, start func(done func(T))) (T, error) {
	ch := make(chan T, 1)
	start(func(v T) { ch <- v })
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// withSession connects, waits for the table definitions, then runs body
func withSession(ctx context.Context, title string, body func(ctx context.Context, s *session) error) error {
	s, err := openSession(station.sourceConfig(), nil)
	if err != nil {
		return err
	}

	fmt.Printf("Pakstat - %s\n", title)
	fmt.Printf("Connection: %s (node %d)\n\n", s.info, neighborAddr)

	return s.run(ctx, func(ctx context.Context) error {
		if err := s.waitConnected(ctx); err != nil {
			return err
		}
		return body(ctx, s)
	})
}
