// Package serverloop owns the TCP accept loop, per-connection admission,
// and the background tick worker that flushes the cache and shader lists
// on a fixed interval.
package serverloop

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shadertools/shadercompiled/internal/allowlist"
	"github.com/shadertools/shadercompiled/internal/cachestore"
	"github.com/shadertools/shadercompiled/internal/dispatch"
	"github.com/shadertools/shadercompiled/internal/errorlog"
	"github.com/shadertools/shadercompiled/internal/logging"
	"github.com/shadertools/shadercompiled/internal/shaderlist"
	"github.com/shadertools/shadercompiled/internal/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const component = "serverloop"

// TickInterval is how often the maintenance loop flushes the cache and
// shader lists and recomputes the status line.
const TickInterval = 100 * time.Millisecond

// Server accepts shader-compile connections and dispatches each request
// on them, admitting only callers that pass the allow-list and stay
// within MaxConnections.
type Server struct {
	Listener       net.Listener
	Dispatcher     *dispatch.Dispatcher
	AllowList      *allowlist.List
	Cache          *cachestore.Store
	ShaderLists    *shaderlist.Store
	ErrorQueue     *errorlog.Queue
	MaxConnections int64

	sem        *semaphore.Weighted
	statusLine atomic.Value
	wg         sync.WaitGroup
}

func (s *Server) semaphoreOnce() *semaphore.Weighted {
	if s.sem == nil {
		max := s.MaxConnections
		if max <= 0 {
			max = 64
		}
		s.sem = semaphore.NewWeighted(max)
	}
	return s.sem
}

// Run accepts connections until ctx is cancelled, at which point it
// closes the listener, waits for in-flight connections to finish, and
// performs one last flush of the cache and shader lists before exiting.
func (s *Server) Run(ctx context.Context) error {
	sem := s.semaphoreOnce()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.acceptLoop(groupCtx, sem)
	})
	group.Go(func() error {
		return s.tickWorker(groupCtx)
	})

	<-groupCtx.Done()
	s.Listener.Close()
	s.wg.Wait()

	if err := s.Cache.Flush(); err != nil {
		logging.Warn(component, "final cache flush: %v", err)
	}
	s.ShaderLists.Tick()

	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, sem *semaphore.Weighted) error {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("serverloop: accept: %w", err)
			}
		}

		remoteIP := remoteIPOf(conn)
		if !s.AllowList.Allowed(remoteIP) {
			logging.WarnOnce(component, remoteIP.String(), "rejecting connection from non-allow-listed address %s", remoteIP)
			conn.Close()
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer sem.Release(1)
			s.serveConn(ctx, conn)
		}()
	}
}

func remoteIPOf(conn net.Conn) net.IP {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	codec := wire.NewCodec(conn)
	defer codec.Close()
	peerIP := remoteIPOf(conn)

	payload, err := codec.Recv()
	if err != nil {
		return
	}
	if err := s.Dispatcher.Handle(ctx, codec, payload, peerIP); err != nil {
		logging.Warn(component, "handling request from %s: %v", peerIP, err)
	}
}

func (s *Server) tickWorker(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Cache.Flush(); err != nil {
				logging.Warn(component, "cache flush: %v", err)
			}
			s.ShaderLists.Tick()
			if err := s.ErrorQueue.Tick(); err != nil {
				logging.Warn(component, "error queue tick: %v", err)
			}
			s.updateStatusLine()
		}
	}
}

func (s *Server) updateStatusLine() {
	line := fmt.Sprintf(
		"sockets=%d active_compiles=%d cache_entries=%d cache_data=%d errors_queued=%d errors_dropped=%d",
		wire.OpenSocketCount(), s.Dispatcher.ActiveCompiles(), s.Cache.EntryCount(), s.Cache.DataCount(),
		s.ErrorQueue.Len(), s.ErrorQueue.Dropped(),
	)
	s.statusLine.Store(line)
}

// StatusLine returns the most recently computed one-line summary, used
// by the status endpoint.
func (s *Server) StatusLine() string {
	v, _ := s.statusLine.Load().(string)
	if v == "" {
		return "starting up"
	}
	return v
}
