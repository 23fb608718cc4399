package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"annotd/pkg/annotation"
)

// ErrNotConnected is returned by requests on a disconnected client.
var ErrNotConnected = errors.New("not connected to annotd")

// ClientConfig configures an IPC client.
type ClientConfig struct {
	// SocketPath is the daemon socket to dial.
	SocketPath string

	// ClientName and ClientVersion identify the client in handshakes.
	ClientName    string
	ClientVersion string

	// Permission is the level requested during authentication.
	Permission PermissionLevel

	// ConnectTimeout bounds dialing and the handshake round trips.
	ConnectTimeout time.Duration

	// RequestTimeout bounds each request.
	RequestTimeout time.Duration

	// ReconnectDelay and MaxReconnects control automatic reconnection
	// after a dropped connection. MaxReconnects 0 disables it.
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// DefaultClientConfig returns client defaults for the given socket.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "annotd-client",
		Permission:     PermReadWrite,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		ReconnectDelay: time.Second,
	}
}

// IPCClient talks to a running annotd. Requests are correlated by
// request id, so calls may overlap from multiple goroutines. Streamed
// events arrive on Events and through the OnEvent callback.
type IPCClient struct {
	config ClientConfig
	log    *slog.Logger

	connMu        sync.Mutex
	conn          net.Conn
	serverVersion string
	granted       PermissionLevel

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message

	nextRequestID atomic.Uint32
	connected     atomic.Bool
	reconnecting  atomic.Bool
	closed        atomic.Bool

	events    chan *EventPayload
	handlerMu sync.RWMutex
	onEvent   func(*EventPayload)

	wg sync.WaitGroup
}

// NewIPCClient creates a client. Call Connect before issuing requests.
func NewIPCClient(cfg ClientConfig, log *slog.Logger) *IPCClient {
	if log == nil {
		log = slog.Default()
	}
	return &IPCClient{
		config:  cfg,
		log:     log,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *EventPayload, 100),
	}
}

// Connect dials the daemon, performs the handshake and authentication,
// and starts the read loop.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("client is closed")
	}
	if c.connected.Load() {
		return nil
	}
	if err := c.dialAndSetup(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Close shuts the connection down.
func (c *IPCClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.connected.Store(false)

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	close(c.events)
	return err
}

// Connected reports whether the client has a live connection.
func (c *IPCClient) Connected() bool {
	return c.connected.Load()
}

// ServerVersion returns the daemon version from the handshake.
func (c *IPCClient) ServerVersion() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.serverVersion
}

// Permission returns the granted permission level.
func (c *IPCClient) Permission() PermissionLevel {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.granted
}

// Events returns the streamed event channel. The channel closes when
// the client is closed.
func (c *IPCClient) Events() <-chan *EventPayload {
	return c.events
}

// OnEvent registers a callback invoked on its own goroutine for every
// streamed event, in addition to the Events channel.
func (c *IPCClient) OnEvent(fn func(*EventPayload)) {
	c.handlerMu.Lock()
	c.onEvent = fn
	c.handlerMu.Unlock()
}

// dialAndSetup establishes a fresh connection. The handshake and auth
// round trips run directly on the conn before the read loop sees it.
func (c *IPCClient) dialAndSetup(ctx context.Context) error {
	timeout := c.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	conn, err := dialLocal(c.config.SocketPath, timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.SocketPath, err)
	}

	hsResp, err := c.roundTrip(conn, timeout, MsgHandshake, HandshakeRequest{
		ClientName:      c.config.ClientName,
		ClientVersion:   c.config.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	var hs HandshakeResponse
	if err := hsResp.DecodePayload(&hs); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if !hs.Accepted {
		conn.Close()
		return fmt.Errorf("handshake rejected: %s", hs.Message)
	}

	perm := c.config.Permission
	if perm == 0 {
		perm = PermReadWrite
	}
	authResp, err := c.roundTrip(conn, timeout, MsgAuthenticate, AuthRequest{Permission: perm})
	if err != nil {
		conn.Close()
		return fmt.Errorf("authenticate: %w", err)
	}
	var auth AuthResponse
	if err := authResp.DecodePayload(&auth); err != nil {
		conn.Close()
		return fmt.Errorf("authenticate: %w", err)
	}
	if !auth.Success {
		conn.Close()
		return fmt.Errorf("authentication refused: %s", auth.Message)
	}

	c.connMu.Lock()
	old := c.conn
	c.conn = conn
	c.serverVersion = hs.ServerVersion
	c.granted = auth.Permission
	c.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	c.connected.Store(true)
	c.log.Debug("connected to annotd", "socket", c.config.SocketPath, "server", hs.ServerVersion)
	return nil
}

// roundTrip performs one synchronous exchange on a conn that has no
// concurrent reader.
func (c *IPCClient) roundTrip(conn net.Conn, timeout time.Duration, t MessageType, payload any) (*Message, error) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	msg.RequestID = c.nextRequestID.Add(1)

	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := msg.Encode(conn); err != nil {
		return nil, err
	}
	resp, err := DecodeMessage(conn)
	if err != nil {
		return nil, err
	}
	if resp.Type == MsgError {
		var er ErrorResponse
		if err := resp.DecodePayload(&er); err == nil {
			return nil, &er
		}
		return nil, fmt.Errorf("request refused")
	}
	return resp, nil
}

func (c *IPCClient) currentConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *IPCClient) readLoop() {
	defer c.wg.Done()

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		msg, err := DecodeMessage(conn)
		if err != nil {
			c.connected.Store(false)
			if c.closed.Load() {
				return
			}
			c.log.Debug("connection lost", "error", err)
			if c.config.MaxReconnects > 0 && c.tryReconnect() {
				continue
			}
			return
		}

		switch msg.Type {
		case MsgPing:
			pong, _ := NewMessage(MsgPong, nil)
			pong.RequestID = msg.RequestID
			c.send(pong)
		case MsgPong:
			if msg.RequestID != 0 {
				c.deliver(msg)
			}
		case MsgEvent:
			var ev EventPayload
			if err := msg.DecodePayload(&ev); err != nil {
				c.log.Warn("bad event payload", "error", err)
				continue
			}
			select {
			case c.events <- &ev:
			default:
				c.log.Warn("event dropped, receive queue full", "type", ev.Type)
			}
			c.handlerMu.RLock()
			fn := c.onEvent
			c.handlerMu.RUnlock()
			if fn != nil {
				go fn(&ev)
			}
		default:
			c.deliver(msg)
		}
	}
}

func (c *IPCClient) deliver(msg *Message) {
	c.pendingMu.Lock()
	ch := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.pendingMu.Unlock()

	if ch == nil {
		c.log.Debug("orphan response", "request_id", msg.RequestID)
		return
	}
	ch <- msg
}

func (c *IPCClient) tryReconnect() bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	defer c.reconnecting.Store(false)

	delay := c.config.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 1; attempt <= c.config.MaxReconnects; attempt++ {
		if c.closed.Load() {
			return false
		}
		time.Sleep(delay)
		c.log.Info("reconnecting to annotd", "attempt", attempt)
		if err := c.dialAndSetup(context.Background()); err != nil {
			c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		return true
	}
	return false
}

func (c *IPCClient) send(msg *Message) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Encode(c.conn)
}

// request sends one message and waits for its correlated response.
func (c *IPCClient) request(ctx context.Context, t MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	msg.RequestID = c.nextRequestID.Add(1)

	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.RequestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return nil, err
	}

	timeout := c.config.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Type == MsgError {
			var er ErrorResponse
			if err := resp.DecodePayload(&er); err == nil {
				return nil, &er
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request 0x%04X timed out", uint16(t))
	}
}

// requestDecode performs a request, checks the response type and
// decodes its payload into out when out is non-nil.
func (c *IPCClient) requestDecode(ctx context.Context, t, want MessageType, payload, out any) error {
	resp, err := c.request(ctx, t, payload)
	if err != nil {
		return err
	}
	if resp.Type != want {
		return fmt.Errorf("unexpected response type 0x%04X", uint16(resp.Type))
	}
	if out != nil {
		return resp.DecodePayload(out)
	}
	return nil
}

// ============================================================================
// High-level API
// ============================================================================

// Ping measures a round trip to the daemon.
func (c *IPCClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.requestDecode(ctx, MsgPing, MsgPong, nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Status fetches the daemon status summary.
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.requestDecode(ctx, MsgStatusRequest, MsgStatusResponse, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches component health.
func (c *IPCClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.requestDecode(ctx, MsgHealthCheck, MsgHealthResponse, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSources lists the collection's images.
func (c *IPCClient) ListSources(ctx context.Context) ([]SourceInfo, error) {
	var resp ListSourcesResponse
	if err := c.requestDecode(ctx, MsgListSources, MsgListSourcesResponse, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sources, nil
}

// ListAnnotations fetches a source's annotations. An empty source
// means the active one.
func (c *IPCClient) ListAnnotations(ctx context.Context, source string) (*ListAnnotationsResponse, error) {
	var resp ListAnnotationsResponse
	req := ListAnnotationsRequest{Source: source}
	if err := c.requestDecode(ctx, MsgListAnnotations, MsgListAnnotationsResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAnnotation looks an annotation up by id.
func (c *IPCClient) GetAnnotation(ctx context.Context, source, id string) (*annotation.Annotation, error) {
	var resp AnnotationResponse
	req := GetAnnotationRequest{Source: source, ID: id}
	if err := c.requestDecode(ctx, MsgGetAnnotation, MsgGetAnnotationResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Annotation, nil
}

// AddAnnotation inserts an annotation and returns it with its
// assigned id.
func (c *IPCClient) AddAnnotation(ctx context.Context, source string, a annotation.Annotation) (*annotation.Annotation, error) {
	var resp AnnotationResponse
	req := AddAnnotationRequest{Source: source, Annotation: a}
	if err := c.requestDecode(ctx, MsgAddAnnotation, MsgAddAnnotationResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Annotation, nil
}

// UpdateAnnotation replaces an annotation by id.
func (c *IPCClient) UpdateAnnotation(ctx context.Context, source string, a annotation.Annotation) (*annotation.Annotation, error) {
	var resp AnnotationResponse
	req := UpdateAnnotationRequest{Source: source, Annotation: a}
	if err := c.requestDecode(ctx, MsgUpdateAnnotation, MsgUpdateAnnotationResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Annotation, nil
}

// RemoveAnnotation deletes an annotation by id.
func (c *IPCClient) RemoveAnnotation(ctx context.Context, source, id string) error {
	req := RemoveAnnotationRequest{Source: source, ID: id}
	return c.requestDecode(ctx, MsgRemoveAnnotation, MsgRemoveAnnotationResp, req, nil)
}

// Select opens an annotation for editing.
func (c *IPCClient) Select(ctx context.Context, source, id string) (*SelectionResponse, error) {
	var resp SelectionResponse
	req := SelectRequest{Source: source, ID: id}
	if err := c.requestDecode(ctx, MsgSelect, MsgSelectResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deselect finalizes the open selection.
func (c *IPCClient) Deselect(ctx context.Context) error {
	return c.requestDecode(ctx, MsgDeselect, MsgDeselectResponse, nil, nil)
}

// SaveSelection commits the open selection. A non-empty overrideID
// replaces the generated id when the commit creates a new annotation.
func (c *IPCClient) SaveSelection(ctx context.Context, overrideID string) (*SelectionResponse, error) {
	var resp SelectionResponse
	req := SaveSelectionRequest{ID: overrideID}
	if err := c.requestDecode(ctx, MsgSaveSelection, MsgSaveSelectionResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelSelection discards the open selection without saving.
func (c *IPCClient) CancelSelection(ctx context.Context) error {
	return c.requestDecode(ctx, MsgCancelSelection, MsgCancelSelectionResp, nil, nil)
}

// DeleteSelection deletes the selected annotation.
func (c *IPCClient) DeleteSelection(ctx context.Context) error {
	return c.requestDecode(ctx, MsgDeleteSelection, MsgDeleteSelectionResp, nil, nil)
}

// UpdateSelected replaces the open selection's value.
func (c *IPCClient) UpdateSelected(ctx context.Context, a annotation.Annotation, save bool) (*SelectionResponse, error) {
	var resp SelectionResponse
	req := UpdateSelectedRequest{Annotation: a, Save: save}
	if err := c.requestDecode(ctx, MsgUpdateSelected, MsgUpdateSelectedResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EditTarget applies a pending geometry change to the open selection.
func (c *IPCClient) EditTarget(ctx context.Context, target annotation.Target) (*SelectionResponse, error) {
	var resp SelectionResponse
	req := EditTargetRequest{Target: target}
	if err := c.requestDecode(ctx, MsgEditTarget, MsgEditTargetResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OverrideAnnotationID renames an annotation on the daemon.
func (c *IPCClient) OverrideAnnotationID(ctx context.Context, oldID, newID string) error {
	req := OverrideIDRequest{OldID: oldID, NewID: newID}
	return c.requestDecode(ctx, MsgOverrideID, MsgOverrideIDResponse, req, nil)
}

// Selection fetches the current selection state.
func (c *IPCClient) Selection(ctx context.Context) (*SelectionResponse, error) {
	var resp SelectionResponse
	if err := c.requestDecode(ctx, MsgGetSelection, MsgGetSelectionResponse, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTools lists the registered drawing tools.
func (c *IPCClient) ListTools(ctx context.Context) (*ListToolsResponse, error) {
	var resp ListToolsResponse
	if err := c.requestDecode(ctx, MsgListTools, MsgListToolsResponse, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetTool activates a drawing tool.
func (c *IPCClient) SetTool(ctx context.Context, name string) error {
	return c.requestDecode(ctx, MsgSetTool, MsgSetToolResponse, SetToolRequest{Tool: name}, nil)
}

// GetConfig fetches the daemon's effective configuration.
func (c *IPCClient) GetConfig(ctx context.Context) (*GetConfigResponse, error) {
	var resp GetConfigResponse
	if err := c.requestDecode(ctx, MsgGetConfig, MsgGetConfigResponse, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snippet fetches the encoded image region under an annotation. An
// empty id means the open selection.
func (c *IPCClient) Snippet(ctx context.Context, id string, maxEdge int) (*SnippetResponse, error) {
	var resp SnippetResponse
	req := SnippetRequest{ID: id, MaxEdge: maxEdge}
	if err := c.requestDecode(ctx, MsgSnippet, MsgSnippetResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History queries the lifecycle journal.
func (c *IPCClient) History(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error) {
	var resp HistoryResponse
	if err := c.requestDecode(ctx, MsgHistoryQuery, MsgHistoryResponse, q, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// HistoryStats summarizes the lifecycle journal.
func (c *IPCClient) HistoryStats(ctx context.Context) (*HistoryStatsResponse, error) {
	var resp HistoryStatsResponse
	if err := c.requestDecode(ctx, MsgHistoryStats, MsgHistoryStatsResponse, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSnapshots lists stored sidecar snapshots, newest first. An empty
// source lists snapshots across all sources.
func (c *IPCClient) ListSnapshots(ctx context.Context, source string, limit int) ([]SnapshotInfo, error) {
	var resp ListSnapshotsResponse
	req := ListSnapshotsRequest{Source: source, Limit: limit}
	if err := c.requestDecode(ctx, MsgListSnapshots, MsgListSnapshotsResponse, req, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// RestoreSnapshot replaces a source's annotations with snapshot id.
func (c *IPCClient) RestoreSnapshot(ctx context.Context, id int64) (*RestoreSnapshotResponse, error) {
	var resp RestoreSnapshotResponse
	req := RestoreSnapshotRequest{ID: id}
	if err := c.requestDecode(ctx, MsgRestoreSnapshot, MsgRestoreSnapshotResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe starts event streaming. Without arguments every event is
// streamed.
func (c *IPCClient) Subscribe(ctx context.Context, events ...string) error {
	req := SubscribeRequest{Events: events}
	return c.requestDecode(ctx, MsgSubscribe, MsgSubscribeResponse, req, nil)
}

// Unsubscribe stops event streaming.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.requestDecode(ctx, MsgUnsubscribe, MsgUnsubscribeResponse, nil, nil)
}

// Shutdown asks the daemon to stop. Requires full control permission.
func (c *IPCClient) Shutdown(ctx context.Context) error {
	return c.requestDecode(ctx, MsgShutdown, MsgShutdownResponse, nil, nil)
}
