package extingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
)

// Protocol selects how connections are parsed. Auto peeks at the first
// four bytes: the "REZL" magic selects binary, anything else line.
type Protocol int

const (
	ProtocolAuto Protocol = iota
	ProtocolBinary
	ProtocolLine
)

// ParseProtocol maps a config string to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "auto", "":
		return ProtocolAuto, nil
	case "binary":
		return ProtocolBinary, nil
	case "line":
		return ProtocolLine, nil
	default:
		return 0, fmt.Errorf("extingest: invalid protocol %q", s)
	}
}

// maxLineLength bounds a single line-protocol line; a longer line
// closes the connection rather than buffering unboundedly.
const maxLineLength = 64 * 1024

// Server accepts external-metrics connections on a Unix-domain socket.
// Each connection is handled independently: a malformed message is
// counted and dropped, and exceeding the per-connection metric quota
// closes only that connection; neither evicts metrics produced by
// another.
type Server struct {
	log        *zap.Logger
	store      *Store
	socketPath string
	protocol   Protocol

	maxConnections int
	maxPerConn     int

	active   atomic.Int64
	listener net.Listener
}

// NewServer constructs an ingest server bound to socketPath.
func NewServer(log *zap.Logger, store *Store, socketPath string, protocol Protocol, maxConnections, maxMetricsPerConnection int) *Server {
	return &Server{
		log:            log,
		store:          store,
		socketPath:     socketPath,
		protocol:       protocol,
		maxConnections: maxConnections,
		maxPerConn:     maxMetricsPerConnection,
	}
}

// Listen binds the Unix socket, removing any stale socket file first.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("extingest: remove stale socket: %w", err)
	}
	if dir := filepath.Dir(s.socketPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("extingest: create socket directory: %w", err)
		}
	}

	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("extingest: bind %s: %w", s.socketPath, err)
	}
	s.listener = l
	s.log.Info("external metrics server listening", zap.String("socket", s.socketPath))
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if s.listener != nil {
			s.listener.Close()
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("extingest: accept: %w", err)
		}

		if int(s.active.Load()) >= s.maxConnections {
			s.log.Warn("external metrics connection rejected: at connection limit")
			conn.Close()
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Add(-1)
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

// Close shuts the listener down and removes the socket file.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	os.Remove(s.socketPath)
	return err
}

// ActiveConnections returns the number of connections currently being
// served.
func (s *Server) ActiveConnections() int { return int(s.active.Load()) }

func (s *Server) handleConn(conn net.Conn) {
	br := bufio.NewReader(conn)
	ctx := &connContext{}

	protocol := s.protocol
	if protocol == ProtocolAuto {
		head, err := br.Peek(4)
		if err != nil {
			return
		}
		if [4]byte(head) == Magic {
			protocol = ProtocolBinary
		} else {
			protocol = ProtocolLine
		}
	}

	switch protocol {
	case ProtocolBinary:
		s.handleBinary(br, ctx)
	default:
		s.handleLine(br, ctx)
	}
}

func (s *Server) handleBinary(br *bufio.Reader, ctx *connContext) {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			return
		}
		metricCount, payloadSize, err := parseBinaryHeader(header)
		if err != nil {
			s.store.RecordParseError()
			s.log.Debug("binary ingest header rejected", zap.Error(err))
			return
		}

		payload := make([]byte, payloadSize)
		if _, err := io.ReadFull(br, payload); err != nil {
			s.store.RecordParseError()
			return
		}

		if _, err := parseBinaryPayload(payload, metricCount, s.store, ctx, s.maxPerConn); err != nil {
			s.store.RecordParseError()
			s.log.Debug("binary ingest message rejected", zap.Error(err))
			if errors.Is(err, errConnLimit) {
				return
			}
		}
	}
}

func (s *Server) handleLine(br *bufio.Reader, ctx *connContext) {
	cache := newLabelCache(256)
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 4096), maxLineLength)

	for scanner.Scan() {
		if _, err := parseLine(scanner.Text(), s.store, ctx, cache, s.maxPerConn); err != nil {
			s.store.RecordParseError()
			s.log.Debug("line ingest rejected", zap.Error(err))
			if errors.Is(err, errConnLimit) {
				return
			}
		}
	}
}
