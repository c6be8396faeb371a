package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/configs"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
)

// Server accepts line-protocol connections and feeds each line through the
// relay handler.
type Server struct {
	cfg     configs.ListenerConfig
	handler *Handler
	logger  logging.Logger
}

func NewServer(cfg configs.ListenerConfig, handler *Handler, logger logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails. Each connection gets its own goroutine.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(ctx, lis)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	s.logger.Info(logging.Relay, logging.Startup, "listener started",
		map[logging.ExtraKey]any{logging.ListenAddr: lis.Addr().String()})

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		req := domain.ParseRequest(line)
		if err := s.handler.Handle(ctx, req, conn); err != nil {
			s.logger.Debug(logging.Relay, logging.Forward, "request not relayed",
				map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
	}
}
