// Package ipc implements the wire protocol between annotd and its
// clients (annotctl, annotd-gui).
//
// Transport is a unix domain socket (a named pipe on Windows). Every
// message is a fixed 16-byte big-endian header followed by a JSON
// payload:
//
//	magic (4) | version (1) | flags (1) | type (2) | request id (4) | length (4)
//
// Responses echo the request id of the request they answer. Server
// initiated messages (events, pings) carry request id 0.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"annotd/pkg/annotation"
)

// Protocol constants.
const (
	// ProtocolVersion is the current protocol version.
	ProtocolVersion = 1

	// MagicNumber marks the start of every frame ("ANOT").
	MagicNumber = 0x414E4F54

	// HeaderSize is the fixed frame header size in bytes.
	HeaderSize = 16

	// MaxMessageSize caps the payload length (16 MB).
	MaxMessageSize = 16 * 1024 * 1024
)

// MessageType identifies the message within its range:
// control 0x00xx, status 0x01xx, annotation and selection operations
// 0x02xx, tools and config 0x03xx, snippets 0x04xx, history 0x05xx,
// event streaming 0x06xx.
type MessageType uint16

// Control messages.
const (
	MsgPing             MessageType = 0x0001
	MsgPong             MessageType = 0x0002
	MsgHandshake        MessageType = 0x0003
	MsgHandshakeAck     MessageType = 0x0004
	MsgError            MessageType = 0x0005
	MsgAuthenticate     MessageType = 0x0006
	MsgAuthResponse     MessageType = 0x0007
	MsgShutdown         MessageType = 0x0008
	MsgShutdownResponse MessageType = 0x0009
)

// Status messages.
const (
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101
	MsgHealthCheck    MessageType = 0x0102
	MsgHealthResponse MessageType = 0x0103
)

// Annotation and selection operations.
const (
	MsgListSources             MessageType = 0x0200
	MsgListSourcesResponse     MessageType = 0x0201
	MsgListAnnotations         MessageType = 0x0202
	MsgListAnnotationsResponse MessageType = 0x0203
	MsgGetAnnotation           MessageType = 0x0204
	MsgGetAnnotationResponse   MessageType = 0x0205
	MsgAddAnnotation           MessageType = 0x0206
	MsgAddAnnotationResponse   MessageType = 0x0207
	MsgUpdateAnnotation        MessageType = 0x0208
	MsgUpdateAnnotationResp    MessageType = 0x0209
	MsgRemoveAnnotation        MessageType = 0x020A
	MsgRemoveAnnotationResp    MessageType = 0x020B
	MsgSelect                  MessageType = 0x020C
	MsgSelectResponse          MessageType = 0x020D
	MsgDeselect                MessageType = 0x020E
	MsgDeselectResponse        MessageType = 0x020F
	MsgSaveSelection           MessageType = 0x0210
	MsgSaveSelectionResponse   MessageType = 0x0211
	MsgCancelSelection         MessageType = 0x0212
	MsgCancelSelectionResp     MessageType = 0x0213
	MsgDeleteSelection         MessageType = 0x0214
	MsgDeleteSelectionResp     MessageType = 0x0215
	MsgUpdateSelected          MessageType = 0x0216
	MsgUpdateSelectedResp      MessageType = 0x0217
	MsgEditTarget              MessageType = 0x0218
	MsgEditTargetResponse      MessageType = 0x0219
	MsgGetSelection            MessageType = 0x021A
	MsgGetSelectionResponse    MessageType = 0x021B
	MsgOverrideID              MessageType = 0x021C
	MsgOverrideIDResponse      MessageType = 0x021D
)

// Tool and config messages.
const (
	MsgListTools         MessageType = 0x0300
	MsgListToolsResponse MessageType = 0x0301
	MsgSetTool           MessageType = 0x0302
	MsgSetToolResponse   MessageType = 0x0303
	MsgGetConfig         MessageType = 0x0304
	MsgGetConfigResponse MessageType = 0x0305
)

// Snippet messages.
const (
	MsgSnippet         MessageType = 0x0400
	MsgSnippetResponse MessageType = 0x0401
)

// History messages.
const (
	MsgHistoryQuery          MessageType = 0x0500
	MsgHistoryResponse       MessageType = 0x0501
	MsgHistoryStats          MessageType = 0x0502
	MsgHistoryStatsResponse  MessageType = 0x0503
	MsgListSnapshots         MessageType = 0x0504
	MsgListSnapshotsResponse MessageType = 0x0505
	MsgRestoreSnapshot       MessageType = 0x0506
	MsgRestoreSnapshotResp   MessageType = 0x0507
)

// Event streaming messages.
const (
	MsgSubscribe           MessageType = 0x0600
	MsgSubscribeResponse   MessageType = 0x0601
	MsgUnsubscribe         MessageType = 0x0602
	MsgUnsubscribeResponse MessageType = 0x0603
	MsgEvent               MessageType = 0x0604
)

// MessageFlags modify payload handling.
type MessageFlags uint8

const (
	// FlagCompressed marks a compressed payload. Reserved.
	FlagCompressed MessageFlags = 1 << iota
	// FlagEncrypted marks an encrypted payload. Reserved.
	FlagEncrypted
	// FlagJSON marks a JSON payload. Always set by this implementation.
	FlagJSON
)

// ErrorCode classifies error responses.
type ErrorCode uint16

const (
	ErrUnknown          ErrorCode = 1
	ErrInvalidRequest   ErrorCode = 2
	ErrNotFound         ErrorCode = 3
	ErrPermissionDenied ErrorCode = 4
	ErrInternal         ErrorCode = 5
	ErrAlreadyExists    ErrorCode = 6
	ErrNotInitialized   ErrorCode = 7
	ErrNoSelection      ErrorCode = 8
	ErrReadOnly         ErrorCode = 9
)

// String returns the error code's wire name.
func (c ErrorCode) String() string {
	switch c {
	case ErrInvalidRequest:
		return "invalid request"
	case ErrNotFound:
		return "not found"
	case ErrPermissionDenied:
		return "permission denied"
	case ErrInternal:
		return "internal error"
	case ErrAlreadyExists:
		return "already exists"
	case ErrNotInitialized:
		return "not initialized"
	case ErrNoSelection:
		return "no selection"
	case ErrReadOnly:
		return "read-only"
	default:
		return "unknown error"
	}
}

// PermissionLevel gates what a client may do.
type PermissionLevel uint8

const (
	// PermReadOnly allows queries only.
	PermReadOnly PermissionLevel = 1
	// PermReadWrite additionally allows annotation and selection
	// operations.
	PermReadWrite PermissionLevel = 2
	// PermFullControl additionally allows daemon shutdown.
	PermFullControl PermissionLevel = 3
)

// String returns the permission level's wire name.
func (p PermissionLevel) String() string {
	switch p {
	case PermReadOnly:
		return "read-only"
	case PermReadWrite:
		return "read-write"
	case PermFullControl:
		return "full-control"
	default:
		return "none"
	}
}

// Message is one protocol frame.
type Message struct {
	Type      MessageType
	Flags     MessageFlags
	RequestID uint32
	Payload   []byte
}

// NewMessage builds a message with a JSON-encoded payload. A nil
// payload produces an empty frame.
func NewMessage(t MessageType, payload any) (*Message, error) {
	m := &Message{Type: t, Flags: FlagJSON}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		m.Payload = data
	}
	return m, nil
}

// NewResponse builds a response echoing the request id.
func NewResponse(req *Message, t MessageType, payload any) (*Message, error) {
	m, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	m.RequestID = req.RequestID
	return m, nil
}

// NewErrorMessage builds an error response for a request.
func NewErrorMessage(req *Message, code ErrorCode, detail string) *Message {
	payload, _ := json.Marshal(ErrorResponse{Code: code, Message: code.String(), Detail: detail})
	m := &Message{Type: MsgError, Flags: FlagJSON, Payload: payload}
	if req != nil {
		m.RequestID = req.RequestID
	}
	return m
}

// Encode writes the framed message.
func (m *Message) Encode(w io.Writer) error {
	if len(m.Payload) > MaxMessageSize {
		return fmt.Errorf("payload too large: %d bytes", len(m.Payload))
	}

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], MagicNumber)
	header[4] = ProtocolVersion
	header[5] = byte(m.Flags)
	binary.BigEndian.PutUint16(header[6:8], uint16(m.Type))
	binary.BigEndian.PutUint32(header[8:12], m.RequestID)
	binary.BigEndian.PutUint32(header[12:16], uint32(len(m.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// DecodeMessage reads one framed message.
func DecodeMessage(r io.Reader) (*Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if magic := binary.BigEndian.Uint32(header[0:4]); magic != MagicNumber {
		return nil, fmt.Errorf("bad magic: 0x%08X", magic)
	}
	if version := header[4]; version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	m := &Message{
		Flags:     MessageFlags(header[5]),
		Type:      MessageType(binary.BigEndian.Uint16(header[6:8])),
		RequestID: binary.BigEndian.Uint32(header[8:12]),
	}

	length := binary.BigEndian.Uint32(header[12:16])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("payload too large: %d bytes", length)
	}
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	return m, nil
}

// DecodePayload unmarshals the JSON payload into v.
func (m *Message) DecodePayload(v any) error {
	if m.Flags&FlagJSON == 0 {
		return fmt.Errorf("payload is not JSON")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ============================================================================
// Control payloads
// ============================================================================

// HandshakeRequest opens a session.
type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse answers a handshake.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	Accepted        bool   `json:"accepted"`
	Message         string `json:"message,omitempty"`
}

// AuthRequest asks for a permission level. The daemon only talks to
// peers of its own user, so there is no credential: the request names
// the level the client wants and the response names the level granted.
type AuthRequest struct {
	Permission PermissionLevel `json:"permission"`
}

// AuthResponse reports the granted permission.
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	Message    string          `json:"message,omitempty"`
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *ErrorResponse) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// AckResponse acknowledges an operation with no other result.
type AckResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ============================================================================
// Status payloads
// ============================================================================

// StatusResponse is the daemon status summary.
type StatusResponse struct {
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Sources       int       `json:"sources"`
	Annotations   int       `json:"annotations"`
	ActiveSource  string    `json:"active_source,omitempty"`
	SelectedID    string    `json:"selected_id,omitempty"`
	Tool          string    `json:"tool"`
	Headless      bool      `json:"headless"`
	ReadOnly      bool      `json:"read_only"`
	WatcherActive bool      `json:"watcher_active"`
	HistoryOn     bool      `json:"history_enabled"`
	HistoryEvents int64     `json:"history_events"`
	Clients       int       `json:"clients"`
}

// HealthResponse reports component health.
type HealthResponse struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// ============================================================================
// Annotation and selection payloads
// ============================================================================

// SourceInfo describes one image in the collection.
type SourceInfo struct {
	Path        string `json:"path"`
	SidecarPath string `json:"sidecar_path"`
	HasSidecar  bool   `json:"has_sidecar"`
	Annotations int    `json:"annotations"`
	Active      bool   `json:"active,omitempty"`
}

// ListSourcesResponse lists the collection's images.
type ListSourcesResponse struct {
	Sources []SourceInfo `json:"sources"`
}

// ListAnnotationsRequest asks for a source's annotations. An empty
// source means the active one.
type ListAnnotationsRequest struct {
	Source string `json:"source,omitempty"`
}

// ListAnnotationsResponse carries a source's annotations.
type ListAnnotationsResponse struct {
	Source      string                  `json:"source"`
	Annotations []annotation.Annotation `json:"annotations"`
}

// GetAnnotationRequest looks an annotation up by id.
type GetAnnotationRequest struct {
	Source string `json:"source,omitempty"`
	ID     string `json:"id"`
}

// AnnotationResponse carries one annotation.
type AnnotationResponse struct {
	Source     string                `json:"source"`
	Annotation annotation.Annotation `json:"annotation"`
}

// AddAnnotationRequest inserts an externally produced annotation. A
// missing id is assigned by the daemon.
type AddAnnotationRequest struct {
	Source     string                `json:"source,omitempty"`
	Annotation annotation.Annotation `json:"annotation"`
}

// UpdateAnnotationRequest replaces an annotation by id.
type UpdateAnnotationRequest struct {
	Source     string                `json:"source,omitempty"`
	Annotation annotation.Annotation `json:"annotation"`
}

// RemoveAnnotationRequest deletes an annotation by id.
type RemoveAnnotationRequest struct {
	Source string `json:"source,omitempty"`
	ID     string `json:"id"`
}

// SelectRequest opens an annotation for editing. A non-empty source
// switches the active source first.
type SelectRequest struct {
	Source string `json:"source,omitempty"`
	ID     string `json:"id"`
}

// SelectionResponse reports the selection state after an operation.
type SelectionResponse struct {
	Selected   bool                   `json:"selected"`
	Annotation *annotation.Annotation `json:"annotation,omitempty"`
}

// SaveSelectionRequest commits the open selection. A non-empty id
// replaces the generated identifier when the commit creates a new
// annotation.
type SaveSelectionRequest struct {
	ID string `json:"id,omitempty"`
}

// UpdateSelectedRequest replaces the open selection's value.
type UpdateSelectedRequest struct {
	Annotation annotation.Annotation `json:"annotation"`
	Save       bool                  `json:"save,omitempty"`
}

// EditTargetRequest applies a pending geometry change to the open
// selection.
type EditTargetRequest struct {
	Target annotation.Target `json:"target"`
}

// OverrideIDRequest replaces a server-assigned annotation identifier
// with a caller-supplied one.
type OverrideIDRequest struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

// ============================================================================
// Tool and config payloads
// ============================================================================

// ListToolsResponse lists the registered drawing tools.
type ListToolsResponse struct {
	Tools  []string `json:"tools"`
	Active string   `json:"active"`
}

// SetToolRequest activates a drawing tool.
type SetToolRequest struct {
	Tool string `json:"tool"`
}

// GetConfigResponse carries the daemon's effective configuration.
type GetConfigResponse struct {
	Path   string          `json:"path"`
	Config json.RawMessage `json:"config"`
}

// ============================================================================
// Snippet payloads
// ============================================================================

// SnippetRequest asks for the image region under an annotation. An
// empty id means the open selection. MaxEdge > 0 scales the crop down
// so its longer edge fits.
type SnippetRequest struct {
	ID      string `json:"id,omitempty"`
	MaxEdge int    `json:"max_edge,omitempty"`
}

// SnippetResponse carries an encoded image crop.
type SnippetResponse struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}

// ============================================================================
// History payloads
// ============================================================================

// HistoryQuery filters journal records. AnnotationID wins over Source,
// which wins over the FromNs/ToNs window; with nothing set the most
// recent records are returned. Windowed results come back oldest
// first, all others newest first.
type HistoryQuery struct {
	AnnotationID string `json:"annotation_id,omitempty"`
	Source       string `json:"source,omitempty"`
	FromNs       int64  `json:"from_ns,omitempty"`
	ToNs         int64  `json:"to_ns,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// HistoryRecord is one journal entry on the wire.
type HistoryRecord struct {
	ID           int64           `json:"id"`
	Event        string          `json:"event"`
	AnnotationID string          `json:"annotation_id"`
	Source       string          `json:"source"`
	Annotation   json.RawMessage `json:"annotation,omitempty"`
	Previous     json.RawMessage `json:"previous,omitempty"`
	TimestampNs  int64           `json:"timestamp_ns"`
}

// Time returns the record's timestamp.
func (r HistoryRecord) Time() time.Time {
	return time.Unix(0, r.TimestampNs)
}

// HistoryResponse carries journal records.
type HistoryResponse struct {
	Records []HistoryRecord `json:"records"`
}

// HistoryStatsResponse summarizes the journal.
type HistoryStatsResponse struct {
	Total     int64 `json:"total"`
	Created   int64 `json:"created"`
	Updated   int64 `json:"updated"`
	Deleted   int64 `json:"deleted"`
	Snapshots int64 `json:"snapshots"`
	OldestNs  int64 `json:"oldest_ns,omitempty"`
	NewestNs  int64 `json:"newest_ns,omitempty"`
}

// ListSnapshotsRequest filters sidecar snapshots. An empty source
// lists snapshots across all sources.
type ListSnapshotsRequest struct {
	Source string `json:"source,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SnapshotInfo describes one stored sidecar snapshot. The document
// itself stays in the journal; restore fetches it by ID.
type SnapshotInfo struct {
	ID          int64  `json:"id"`
	Source      string `json:"source"`
	Annotations int    `json:"annotations"`
	SizeBytes   int    `json:"size_bytes"`
	TimestampNs int64  `json:"timestamp_ns"`
}

// Time returns the snapshot's capture time.
func (s SnapshotInfo) Time() time.Time {
	return time.Unix(0, s.TimestampNs)
}

// ListSnapshotsResponse carries snapshot descriptions, newest first.
type ListSnapshotsResponse struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
}

// RestoreSnapshotRequest asks the daemon to replace a source's
// annotations with a stored snapshot.
type RestoreSnapshotRequest struct {
	ID int64 `json:"id"`
}

// RestoreSnapshotResponse reports the outcome of a restore.
type RestoreSnapshotResponse struct {
	Source      string `json:"source"`
	Annotations int    `json:"annotations"`
}

// ============================================================================
// Event payloads
// ============================================================================

// SubscribeRequest selects the lifecycle events to stream. An empty
// list subscribes to everything.
type SubscribeRequest struct {
	Events []string `json:"events,omitempty"`
}

// SubscribeResponse confirms a subscription.
type SubscribeResponse struct {
	Subscribed []string `json:"subscribed,omitempty"`
}

// EventPayload is one lifecycle event on the wire.
type EventPayload struct {
	Type        string                 `json:"type"`
	Source      string                 `json:"source,omitempty"`
	Annotation  *annotation.Annotation `json:"annotation,omitempty"`
	Previous    *annotation.Annotation `json:"previous,omitempty"`
	Target      *annotation.Target     `json:"target,omitempty"`
	TimestampNs int64                  `json:"timestamp_ns"`
}
