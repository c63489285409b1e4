package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const maxFrameBytes = 1 << 20

// Handshake is the first frame on a TCP connection or the body published to
// sensors/{device_id}/hello.
type Handshake struct {
	APIKey   string `json:"api_key"`
	TenantID string `json:"tenant_id,omitempty"`
}

type handshakeAck struct {
	OK       bool   `json:"ok"`
	TenantID string `json:"tenant_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TCPServer speaks newline-delimited JSON: one handshake line, then one
// payload per line, each answered with one Ack line.
type TCPServer struct {
	gw          *Gateway
	log         zerolog.Logger
	IdleTimeout time.Duration

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewTCPServer(gw *Gateway, logger zerolog.Logger) *TCPServer {
	return &TCPServer{
		gw:          gw,
		log:         logger,
		IdleTimeout: 5 * time.Minute,
		conns:       make(map[net.Conn]struct{}),
	}
}

func (s *TCPServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *TCPServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("tcp ingestion listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// extend pushes the idle deadline forward unless the server is shutting down.
func (s *TCPServer) extend(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
	return true
}

func (s *TCPServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	enc := json.NewEncoder(conn)
	ctx := context.Background()

	if !s.extend(conn) || !scanner.Scan() {
		return
	}
	var hs Handshake
	if err := json.Unmarshal(scanner.Bytes(), &hs); err != nil {
		enc.Encode(handshakeAck{Error: "malformed handshake"})
		return
	}
	who, err := s.gw.auth.Authenticate(hs.TenantID, hs.APIKey)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("tcp handshake rejected")
		enc.Encode(handshakeAck{Error: err.Error()})
		return
	}
	if err := enc.Encode(handshakeAck{OK: true, TenantID: who.TenantID}); err != nil {
		return
	}

	for {
		if !s.extend(conn) {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !isClosed(err) {
				s.log.Debug().Err(err).Str("remote", remote).Msg("tcp connection ended")
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ack := s.frame(ctx, hs, line)
		if err := enc.Encode(ack); err != nil {
			return
		}
	}
}

// frame handles one payload line. The credential is re-checked on every frame
// so revocations reach open connections within the registry TTL.
func (s *TCPServer) frame(ctx context.Context, hs Handshake, line []byte) Ack {
	p, err := Decode(line)
	if err != nil {
		s.gw.rejectAll(TransportTCP, reason(err), Payload{})
		return Ack{Error: err.Error()}
	}
	ack, err := s.gw.Ingest(ctx, TransportTCP, hs.TenantID, hs.APIKey, p)
	if err != nil {
		ack.Error = err.Error()
	}
	return ack
}

// Shutdown stops accepting, lets each connection finish its current frame and
// waits for handlers until ctx expires.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.ln != nil {
		s.ln.Close()
	}
	for c := range s.conns {
		c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func isClosed(err error) bool {
	var ne net.Error
	return errors.Is(err, net.ErrClosed) || (errors.As(err, &ne) && ne.Timeout())
}
