package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"annotd/internal/config"
)

// ServerConfig configures the IPC server.
type ServerConfig struct {
	// SocketPath is the unix socket path (pipe name seed on Windows).
	SocketPath string

	// SocketMode is the socket file mode.
	SocketMode os.FileMode

	// MaxConnections caps concurrent clients. Zero means unlimited.
	MaxConnections int

	// ReadTimeout is the per-read deadline. An idle timeout sends a
	// keepalive ping instead of dropping the connection.
	ReadTimeout time.Duration

	// WriteTimeout is the per-write deadline.
	WriteTimeout time.Duration

	// MaxPermission caps what any client may be granted.
	MaxPermission PermissionLevel

	// Version is reported in handshakes and status responses.
	Version string
}

// DefaultServerConfig returns sensible defaults. The socket path must
// still be supplied.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketMode:     0600,
		MaxConnections: 16,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxPermission:  PermFullControl,
	}
}

// ServerConfigFrom builds a ServerConfig from the daemon configuration.
func ServerConfigFrom(cfg config.IPCConfig, version string) ServerConfig {
	sc := DefaultServerConfig()
	sc.Version = version
	sc.SocketPath = cfg.SocketPath
	if cfg.MaxConnections > 0 {
		sc.MaxConnections = cfg.MaxConnections
	}
	if cfg.TimeoutSec > 0 {
		sc.ReadTimeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	if mode, err := strconv.ParseUint(cfg.Permissions, 8, 32); err == nil && mode != 0 {
		sc.SocketMode = os.FileMode(mode)
	}
	return sc
}

// Client is a connected peer as the server sees it. Permission and
// Authenticated are only written by the connection's own read
// goroutine.
type Client struct {
	ID            uint32
	Conn          net.Conn
	Permission    PermissionLevel
	Authenticated bool
	ConnectedAt   time.Time

	writeMu sync.Mutex
}

// Handler reacts to decoded client messages. Protocol-level messages
// (ping, handshake, auth, subscribe) never reach it.
type Handler interface {
	// HandleMessage answers one request. Returning an error sends an
	// internal-error response; returning a nil message sends nothing.
	HandleMessage(client *Client, msg *Message) (*Message, error)

	// OnClientConnected runs after a client is accepted.
	OnClientConnected(client *Client)

	// OnClientDisconnected runs after a client goes away.
	OnClientDisconnected(client *Client)
}

// Server accepts local clients and routes their requests to a Handler.
type Server struct {
	config  ServerConfig
	handler Handler
	log     *slog.Logger

	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[uint32]*Client

	// subscribers maps client id to the set of subscribed event
	// names. An empty set means every event.
	subsMu      sync.RWMutex
	subscribers map[uint32]map[string]bool

	eventChan    chan *EventPayload
	nextClientID atomic.Uint32
	running      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates an IPC server. The handler may be nil until
// SetHandler is called.
func NewServer(cfg ServerConfig, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      cfg,
		handler:     handler,
		log:         log,
		clients:     make(map[uint32]*Client),
		subscribers: make(map[uint32]map[string]bool),
		eventChan:   make(chan *EventPayload, 100),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetHandler replaces the message handler. Call before Start.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// SocketPath returns the configured socket path.
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}

// Start binds the socket and begins accepting clients.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}
	if s.config.SocketPath == "" {
		s.running.Store(false)
		return fmt.Errorf("socket path not configured")
	}

	if err := os.MkdirAll(filepath.Dir(s.config.SocketPath), 0700); err != nil {
		s.running.Store(false)
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.config.SocketPath) {
		s.running.Store(false)
		return fmt.Errorf("socket %s is already in use, is annotd running?", s.config.SocketPath)
	}
	if err := CleanupSocket(s.config.SocketPath); err != nil {
		s.running.Store(false)
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := listenLocal(s.config.SocketPath)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	if err := SetSocketPermissions(s.config.SocketPath, s.config.SocketMode); err != nil {
		ln.Close()
		s.running.Store(false)
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.wg.Add(2)
	go s.acceptLoop()
	go s.eventLoop()

	s.log.Info("ipc server listening", "socket", s.config.SocketPath)
	return nil
}

// Stop drains connections and removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.log.Info("ipc server stopping")

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc shutdown timed out waiting for connections")
	}

	return CleanupSocket(s.config.SocketPath)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for delivery to subscribed clients. A
// full queue drops the event rather than blocking the caller.
func (s *Server) Broadcast(ev *EventPayload) {
	if !s.running.Load() {
		return
	}
	if ev.TimestampNs == 0 {
		ev.TimestampNs = time.Now().UnixNano()
	}
	select {
	case s.eventChan <- ev:
	default:
		s.log.Warn("event dropped, broadcast queue full", "type", ev.Type)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.clientsMu.RLock()
		count := len(s.clients)
		s.clientsMu.RUnlock()
		if s.config.MaxConnections > 0 && count >= s.config.MaxConnections {
			s.log.Warn("rejecting client, connection limit reached", "max", s.config.MaxConnections)
			conn.Close()
			continue
		}

		// The socket mode already keeps other users out on most
		// setups; the credential check closes the gap on platforms
		// where the parent directory is the only barrier.
		if ok, err := VerifyPeerIsCurrentUser(conn); err != nil {
			s.log.Warn("peer credential check failed", "error", err)
		} else if !ok {
			s.log.Warn("rejecting client owned by another user")
			conn.Close()
			continue
		}

		id := s.nextClientID.Add(1)
		client := &Client{ID: id, Conn: conn, ConnectedAt: time.Now()}

		s.clientsMu.Lock()
		s.clients[id] = client
		s.clientsMu.Unlock()

		s.log.Debug("client connected", "client", id)
		if s.handler != nil {
			s.handler.OnClientConnected(client)
		}

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()

		s.subsMu.Lock()
		delete(s.subscribers, client.ID)
		s.subsMu.Unlock()

		client.Conn.Close()
		if s.handler != nil {
			s.handler.OnClientDisconnected(client)
		}
		s.log.Debug("client disconnected", "client", client.ID)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.config.ReadTimeout > 0 {
			client.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		msg, err := DecodeMessage(client.Conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle connection: ping so dead peers get reaped on
				// the next read.
				ping, _ := NewMessage(MsgPing, nil)
				if err := s.sendMessage(client, ping); err != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "client", client.ID, "error", err)
			}
			return
		}

		if resp := s.processMessage(client, msg); resp != nil {
			if err := s.sendMessage(client, resp); err != nil {
				s.log.Warn("send failed", "client", client.ID, "error", err)
				return
			}
		}
	}
}

// processMessage handles protocol-level messages itself and delegates
// the rest to the handler. Unauthenticated clients are limited to
// status queries.
func (s *Server) processMessage(client *Client, msg *Message) *Message {
	switch msg.Type {
	case MsgPing:
		resp, _ := NewResponse(msg, MsgPong, nil)
		return resp
	case MsgPong:
		return nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	case MsgAuthenticate:
		return s.handleAuthenticate(client, msg)
	}

	if !client.Authenticated && msg.Type != MsgStatusRequest && msg.Type != MsgHealthCheck {
		return NewErrorMessage(msg, ErrPermissionDenied, "authenticate first")
	}

	switch msg.Type {
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)
	}

	if s.handler == nil {
		return NewErrorMessage(msg, ErrNotInitialized, "no handler configured")
	}
	resp, err := s.handler.HandleMessage(client, msg)
	if err != nil {
		s.log.Error("handler failed", "type", fmt.Sprintf("0x%04X", uint16(msg.Type)), "error", err)
		return NewErrorMessage(msg, ErrInternal, err.Error())
	}
	return resp
}

func (s *Server) handleHandshake(client *Client, msg *Message) *Message {
	var req HandshakeRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, "bad handshake payload")
	}

	resp := HandshakeResponse{
		ServerVersion:   s.config.Version,
		ProtocolVersion: ProtocolVersion,
		Accepted:        req.ProtocolVersion == ProtocolVersion,
	}
	if !resp.Accepted {
		resp.Message = fmt.Sprintf("protocol version %d not supported", req.ProtocolVersion)
	} else {
		s.log.Debug("handshake", "client", client.ID, "name", req.ClientName, "version", req.ClientVersion)
	}

	out, err := NewResponse(msg, MsgHandshakeAck, resp)
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error())
	}
	return out
}

func (s *Server) handleAuthenticate(client *Client, msg *Message) *Message {
	requested := PermReadWrite
	if len(msg.Payload) > 0 {
		var req AuthRequest
		if err := msg.DecodePayload(&req); err != nil {
			return NewErrorMessage(msg, ErrInvalidRequest, "bad auth payload")
		}
		if req.Permission != 0 {
			requested = req.Permission
		}
	}

	granted := requested
	if s.config.MaxPermission != 0 && granted > s.config.MaxPermission {
		granted = s.config.MaxPermission
	}

	client.Permission = granted
	client.Authenticated = true
	s.log.Debug("client authenticated", "client", client.ID, "permission", granted.String())

	out, err := NewResponse(msg, MsgAuthResponse, AuthResponse{Success: true, Permission: granted})
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error())
	}
	return out
}

func (s *Server) handleSubscribe(client *Client, msg *Message) *Message {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&req); err != nil {
			return NewErrorMessage(msg, ErrInvalidRequest, "bad subscribe payload")
		}
	}

	filter := make(map[string]bool, len(req.Events))
	for _, name := range req.Events {
		filter[name] = true
	}

	s.subsMu.Lock()
	s.subscribers[client.ID] = filter
	s.subsMu.Unlock()

	s.log.Debug("client subscribed", "client", client.ID, "events", len(filter))
	out, err := NewResponse(msg, MsgSubscribeResponse, SubscribeResponse{Subscribed: req.Events})
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error())
	}
	return out
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) *Message {
	s.subsMu.Lock()
	delete(s.subscribers, client.ID)
	s.subsMu.Unlock()

	out, err := NewResponse(msg, MsgUnsubscribeResponse, AckResponse{OK: true})
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error())
	}
	return out
}

func (s *Server) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.eventChan:
			if ev == nil {
				return
			}
			s.fanOut(ev)
		}
	}
}

func (s *Server) fanOut(ev *EventPayload) {
	msg, err := NewMessage(MsgEvent, ev)
	if err != nil {
		s.log.Error("encode event failed", "error", err)
		return
	}

	s.subsMu.RLock()
	ids := make([]uint32, 0, len(s.subscribers))
	for id, filter := range s.subscribers {
		if len(filter) > 0 && !filter[ev.Type] {
			continue
		}
		ids = append(ids, id)
	}
	s.subsMu.RUnlock()

	for _, id := range ids {
		s.clientsMu.RLock()
		c := s.clients[id]
		s.clientsMu.RUnlock()
		if c == nil {
			continue
		}
		if err := s.sendMessage(c, msg); err != nil {
			s.log.Debug("event send failed", "client", id, "error", err)
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		client.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return msg.Encode(client.Conn)
}
