package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"redisd/internal/handler"
	"redisd/internal/protocol"
	"redisd/internal/replication"
	"redisd/internal/storage"
)

// Server owns the listener and the process-wide singletons: the keyspace,
// the replica registry and the command handler.
type Server struct {
	cfg     *Config
	log     *zap.Logger
	store   *storage.Store
	handler *handler.CommandHandler
	repl    *replication.Manager

	listener      net.Listener
	connections   sync.Map
	connIDCounter atomic.Int64
	wg            sync.WaitGroup
	mu            sync.RWMutex
	isShutdown    bool
}

func New(cfg *Config, env *viper.Viper, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	role := replication.RoleMaster
	if cfg.IsReplica() {
		role = replication.RoleReplica
	}

	clk := clock.New()
	store := storage.NewStore(clk)
	repl := replication.NewManager(role, log)
	cmdHandler := handler.New(store, repl, env, clk, log)

	// Commands arriving over the master stream execute through the same
	// dispatch table, minus transaction queueing.
	repl.SetCommandExecutor(cmdHandler.ExecutePropagated)

	return &Server{
		cfg:     cfg,
		log:     log.Named("server"),
		store:   store,
		handler: cmdHandler,
		repl:    repl,
	}
}

// Handler exposes the command handler, mainly for tests.
func (s *Server) Handler() *handler.CommandHandler {
	return s.handler
}

// Addr returns the listener address once Start has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener, connects to the master when running as a
// replica, and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("listening", zap.String("addr", listener.Addr().String()),
		zap.String("role", string(s.repl.Role())))

	if s.cfg.IsReplica() {
		if err := s.repl.ConnectToMaster(s.cfg.MasterHost, s.cfg.MasterPort, s.cfg.Port); err != nil {
			s.log.Warn("could not reach master, continuing disconnected", zap.Error(err))
		}
	}

	go s.acceptConnections()

	<-ctx.Done()
	s.Shutdown()
	return nil
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			down := s.isShutdown
			s.mu.RUnlock()
			if down {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection runs one client session. Reads accumulate into a buffer
// and every complete frame in it is dispatched, which keeps single-
// connection ordering and covers pipelined clients. On disconnect the
// connection's replica record and transaction state go away with it.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	connID := s.connIDCounter.Add(1)
	s.connections.Store(connID, conn)

	defer func() {
		s.connections.Delete(connID)
		s.repl.Registry().Remove(connID)
		s.handler.RemoveClient(connID)
		conn.Close()
	}()

	client := &handler.Client{
		ID:     connID,
		Conn:   conn,
		Writer: bufio.NewWriter(conn),
	}

	var pending []byte
	buf := make([]byte, s.cfg.ReadBufferSize)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)

		cmds, consumed, derr := protocol.MultiCommandDecoder(pending)
		pending = pending[consumed:]

		for _, cmd := range cmds {
			reply := s.handler.Dispatch(client, cmd.Args)
			if reply == nil {
				continue
			}
			if _, err := client.Writer.Write(reply); err != nil {
				return
			}
			if err := client.Writer.Flush(); err != nil {
				return
			}
		}

		if derr != nil && !errors.Is(derr, protocol.ErrIncomplete) {
			s.log.Warn("closing connection on protocol error",
				zap.Int64("conn_id", connID), zap.Error(derr))
			return
		}
	}
}

// Shutdown closes the listener and every live connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(_, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	s.wg.Wait()
	s.log.Info("shutdown complete")
}
