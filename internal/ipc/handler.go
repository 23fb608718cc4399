package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/google/uuid"

	"annotd/internal/collection"
	"annotd/internal/config"
	"annotd/internal/history"
	"annotd/internal/metrics"
	"annotd/internal/snippet"
	"annotd/pkg/annotation"
	"annotd/pkg/annotator"
)

// Wire-only event names for collection membership changes. Lifecycle
// events use their bus names ("annotation.created" and so on).
const (
	EventSourceAdded   = "source.added"
	EventSourceRemoved = "source.removed"
)

var errNotInCollection = errors.New("source does not match the collection")

// DaemonOptions wires the daemon's components into a DaemonHandler.
// Annotator and Store are required.
type DaemonOptions struct {
	Version   string
	Annotator *annotator.Annotator
	Store     *collection.Store

	// History receives the lifecycle journal. Nil disables journal
	// queries and recording.
	History *history.Store

	// Metrics counts operations and events. Nil disables counting.
	Metrics *metrics.AnnotdMetrics

	// ConfigPath and Config expose the effective configuration over
	// the get-config operation.
	ConfigPath string
	Config     func() *config.Config

	// WatcherActive reports whether the collection watcher runs.
	WatcherActive func() bool

	// Shutdown requests a daemon stop. Nil rejects shutdown requests.
	Shutdown func()

	Log *slog.Logger
}

// DaemonHandler answers client requests against the daemon's single
// annotator. The annotator is bound to one active source at a time;
// operations naming another source switch to it first, finalizing any
// open selection the way a headless selection switch does.
type DaemonHandler struct {
	opts      DaemonOptions
	log       *slog.Logger
	startedAt time.Time
	server    *Server

	mu     sync.Mutex
	active string
	img    image.Image
	imgFor string

	// evMu guards the fields the lifecycle event callback reads. The
	// callback runs inside annotator calls made under mu, so it must
	// never take mu itself.
	evMu          sync.Mutex
	evSource      string
	override      string
	lastCommitted *annotation.Annotation
}

// NewDaemonHandler creates the daemon-side message handler.
func NewDaemonHandler(opts DaemonOptions) *DaemonHandler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &DaemonHandler{
		opts:      opts,
		log:       log,
		startedAt: time.Now(),
	}
}

// SetServer attaches the server used for event broadcasts. Call
// before Start.
func (h *DaemonHandler) SetServer(s *Server) {
	h.server = s
}

// BindEvents subscribes the handler to the annotator's lifecycle bus
// so events reach the journal, metrics and streaming clients. The
// returned function unsubscribes.
func (h *DaemonHandler) BindEvents() func() {
	return h.opts.Annotator.OnAny(h.onLifecycleEvent)
}

// ActiveSource returns the source the annotator is bound to.
func (h *DaemonHandler) ActiveSource() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// OpenSource binds the annotator to a source, loading its sidecar.
func (h *DaemonHandler) OpenSource(source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.switchSourceLocked(source)
}

// Flush finalizes any open selection the headless way and writes the
// active source's annotations to its sidecar. Called on shutdown so
// pending edits survive a restart.
func (h *DaemonHandler) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == "" {
		return nil
	}
	if _, ok := h.opts.Annotator.Selected(); ok {
		if err := h.opts.Annotator.SaveSelected(); err != nil {
			h.log.Warn("finalizing open selection failed", "error", err)
		}
	}
	if err := h.persistLocked(); err != nil {
		return err
	}
	h.snapshotLocked(h.active)
	return nil
}

// ============================================================================
// Server callbacks
// ============================================================================

// OnClientConnected implements Handler.
func (h *DaemonHandler) OnClientConnected(client *Client) {
	h.log.Info("client connected", "client", client.ID)
	if m := h.opts.Metrics; m != nil {
		m.ClientConnected()
	}
}

// OnClientDisconnected implements Handler.
func (h *DaemonHandler) OnClientDisconnected(client *Client) {
	h.log.Info("client disconnected", "client", client.ID)
	if m := h.opts.Metrics; m != nil {
		m.ClientDisconnected()
	}
}

// HandleMessage implements Handler.
func (h *DaemonHandler) HandleMessage(client *Client, msg *Message) (*Message, error) {
	if m := h.opts.Metrics; m != nil {
		m.RecordIPCRequest()
	}

	switch msg.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgHealthCheck:
		return h.handleHealth(msg)
	case MsgShutdown:
		return h.handleShutdown(client, msg)
	case MsgListSources:
		return h.handleListSources(msg)
	case MsgListAnnotations:
		return h.handleListAnnotations(msg)
	case MsgGetAnnotation:
		return h.handleGetAnnotation(msg)
	case MsgAddAnnotation:
		return h.handleAddAnnotation(client, msg)
	case MsgUpdateAnnotation:
		return h.handleUpdateAnnotation(client, msg)
	case MsgRemoveAnnotation:
		return h.handleRemoveAnnotation(client, msg)
	case MsgSelect:
		return h.handleSelect(client, msg)
	case MsgDeselect:
		return h.handleDeselect(client, msg)
	case MsgSaveSelection:
		return h.handleSaveSelection(client, msg)
	case MsgCancelSelection:
		return h.handleCancelSelection(client, msg)
	case MsgDeleteSelection:
		return h.handleDeleteSelection(client, msg)
	case MsgUpdateSelected:
		return h.handleUpdateSelected(client, msg)
	case MsgEditTarget:
		return h.handleEditTarget(client, msg)
	case MsgOverrideID:
		return h.handleOverrideID(client, msg)
	case MsgGetSelection:
		return h.handleGetSelection(msg)
	case MsgListTools:
		return h.handleListTools(msg)
	case MsgSetTool:
		return h.handleSetTool(client, msg)
	case MsgGetConfig:
		return h.handleGetConfig(msg)
	case MsgSnippet:
		return h.handleSnippet(msg)
	case MsgHistoryQuery:
		return h.handleHistory(msg)
	case MsgHistoryStats:
		return h.handleHistoryStats(msg)
	case MsgListSnapshots:
		return h.handleListSnapshots(msg)
	case MsgRestoreSnapshot:
		return h.handleRestoreSnapshot(client, msg)
	default:
		return NewErrorMessage(msg, ErrInvalidRequest, fmt.Sprintf("unsupported message type 0x%04X", uint16(msg.Type))), nil
	}
}

// requireWrite returns an error response when the client may not
// mutate, nil otherwise.
func requireWrite(client *Client, msg *Message) *Message {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg, ErrPermissionDenied, "write permission required")
	}
	return nil
}

// requireActiveLocked returns an error response when no source is
// bound. Callers hold mu.
func (h *DaemonHandler) requireActiveLocked(msg *Message) *Message {
	if h.active == "" {
		return NewErrorMessage(msg, ErrNotInitialized, "no active source, add one to the collection first")
	}
	return nil
}

// ============================================================================
// Status
// ============================================================================

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	a := h.opts.Annotator

	h.mu.Lock()
	active := h.active
	annCount := len(a.Annotations())
	selectedID := ""
	if sel, ok := a.Selected(); ok {
		selectedID = sel.ID
	}
	h.mu.Unlock()

	sources := 0
	if entries, err := h.opts.Store.Scan(); err == nil {
		sources = len(entries)
	} else {
		h.log.Warn("collection scan failed", "error", err)
	}

	resp := StatusResponse{
		Version:       h.opts.Version,
		StartedAt:     h.startedAt,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Sources:       sources,
		Annotations:   annCount,
		ActiveSource:  active,
		SelectedID:    selectedID,
		Tool:          a.ActiveDrawingTool(),
		Headless:      a.Headless(),
	}
	if h.opts.Config != nil {
		if cfg := h.opts.Config(); cfg != nil {
			resp.ReadOnly = cfg.Editor.ReadOnly
		}
	}
	if h.opts.WatcherActive != nil {
		resp.WatcherActive = h.opts.WatcherActive()
	}
	if hs := h.opts.History; hs != nil {
		resp.HistoryOn = true
		if stats, err := hs.GetStats(); err == nil {
			resp.HistoryEvents = stats.Total
		}
	}
	if h.server != nil {
		resp.Clients = h.server.ClientCount()
	}

	return NewResponse(msg, MsgStatusResponse, resp)
}

func (h *DaemonHandler) handleHealth(msg *Message) (*Message, error) {
	checks := make(map[string]string)
	healthy := true

	if _, err := h.opts.Store.Scan(); err != nil {
		checks["collection"] = err.Error()
		healthy = false
	} else {
		checks["collection"] = "ok"
	}

	if hs := h.opts.History; hs != nil {
		if _, err := hs.GetStats(); err != nil {
			checks["history"] = err.Error()
			healthy = false
		} else {
			checks["history"] = "ok"
		}
	} else {
		checks["history"] = "disabled"
	}

	return NewResponse(msg, MsgHealthResponse, HealthResponse{Healthy: healthy, Checks: checks})
}

func (h *DaemonHandler) handleShutdown(client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermFullControl {
		return NewErrorMessage(msg, ErrPermissionDenied, "full control permission required"), nil
	}
	if h.opts.Shutdown == nil {
		return NewErrorMessage(msg, ErrNotInitialized, "shutdown not available"), nil
	}

	h.log.Info("shutdown requested over ipc", "client", client.ID)
	// Let the acknowledgement reach the client before stopping.
	time.AfterFunc(200*time.Millisecond, h.opts.Shutdown)

	return NewResponse(msg, MsgShutdownResponse, AckResponse{OK: true, Message: "shutting down"})
}

// ============================================================================
// Collection
// ============================================================================

func (h *DaemonHandler) handleListSources(msg *Message) (*Message, error) {
	entries, err := h.opts.Store.Scan()
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	h.mu.Lock()
	active := h.active
	liveCount := len(h.opts.Annotator.Annotations())
	h.mu.Unlock()

	sources := make([]SourceInfo, 0, len(entries))
	for _, e := range entries {
		info := SourceInfo{
			Path:        e.ImagePath,
			SidecarPath: e.SidecarPath,
			HasSidecar:  e.HasSidecar,
			Active:      e.ImagePath == active,
		}
		switch {
		case info.Active:
			info.Annotations = liveCount
		case e.HasSidecar:
			if anns, err := h.opts.Store.Load(e.ImagePath); err == nil {
				info.Annotations = len(anns)
			} else {
				h.log.Debug("sidecar load failed", "source", e.ImagePath, "error", err)
			}
		}
		sources = append(sources, info)
	}

	return NewResponse(msg, MsgListSourcesResponse, ListSourcesResponse{Sources: sources})
}

func (h *DaemonHandler) handleListAnnotations(msg *Message) (*Message, error) {
	var req ListAnnotationsRequest
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&req); err != nil {
			return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
		}
	}

	h.mu.Lock()
	active := h.active
	h.mu.Unlock()

	source := req.Source
	if source == "" {
		source = active
	}

	var anns []annotation.Annotation
	if source == active && active != "" {
		h.mu.Lock()
		anns = h.opts.Annotator.Annotations()
		h.mu.Unlock()
	} else if source != "" {
		var err error
		anns, err = h.opts.Store.Load(source)
		if err != nil {
			return NewErrorMessage(msg, ErrInternal, err.Error()), nil
		}
	}
	if anns == nil {
		anns = []annotation.Annotation{}
	}

	return NewResponse(msg, MsgListAnnotationsResponse, ListAnnotationsResponse{Source: source, Annotations: anns})
}

func (h *DaemonHandler) handleGetAnnotation(msg *Message) (*Message, error) {
	var req GetAnnotationRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}
	if req.ID == "" {
		return NewErrorMessage(msg, ErrInvalidRequest, "missing annotation id"), nil
	}

	h.mu.Lock()
	active := h.active
	h.mu.Unlock()

	source := req.Source
	if source == "" {
		source = active
	}

	if source == active && active != "" {
		h.mu.Lock()
		a, ok := h.opts.Annotator.GetAnnotation(req.ID)
		h.mu.Unlock()
		if ok {
			return NewResponse(msg, MsgGetAnnotationResponse, AnnotationResponse{Source: source, Annotation: a})
		}
		return NewErrorMessage(msg, ErrNotFound, req.ID), nil
	}

	anns, err := h.opts.Store.Load(source)
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	for _, a := range anns {
		if a.ID == req.ID {
			return NewResponse(msg, MsgGetAnnotationResponse, AnnotationResponse{Source: source, Annotation: a})
		}
	}
	return NewErrorMessage(msg, ErrNotFound, req.ID), nil
}

func (h *DaemonHandler) handleAddAnnotation(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req AddAnnotationRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if resp := h.switchTo(req.Source, msg); resp != nil {
		return resp, nil
	}
	if resp := h.requireActiveLocked(msg); resp != nil {
		return resp, nil
	}

	a := req.Annotation
	a.Kind = annotation.KindAnnotation
	if a.ID == "" {
		a = a.WithID(uuid.NewString())
	}
	if err := a.Validate(); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}
	if _, exists := h.opts.Annotator.GetAnnotation(a.ID); exists {
		return NewErrorMessage(msg, ErrAlreadyExists, a.ID), nil
	}

	if err := h.opts.Annotator.AddAnnotation(a); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if err := h.persistLocked(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	// Loading through the facade is event-silent, so the daemon
	// reports programmatic inserts itself.
	h.journalDirect(history.EventCreated, h.active, a, nil)
	h.emitWire(annotator.AnnotationCreated.String(), h.active, &a, nil)
	if m := h.opts.Metrics; m != nil {
		m.RecordEvent(annotator.AnnotationCreated.String())
	}

	return NewResponse(msg, MsgAddAnnotationResponse, AnnotationResponse{Source: h.active, Annotation: a})
}

func (h *DaemonHandler) handleUpdateAnnotation(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req UpdateAnnotationRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}
	if req.Annotation.ID == "" {
		return NewErrorMessage(msg, ErrInvalidRequest, "missing annotation id"), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if resp := h.switchTo(req.Source, msg); resp != nil {
		return resp, nil
	}
	if resp := h.requireActiveLocked(msg); resp != nil {
		return resp, nil
	}

	a := req.Annotation
	a.Kind = annotation.KindAnnotation
	if err := a.Validate(); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}

	prev, exists := h.opts.Annotator.GetAnnotation(a.ID)
	if !exists {
		return NewErrorMessage(msg, ErrNotFound, a.ID), nil
	}
	if sel, ok := h.opts.Annotator.Selected(); ok && sel.ID == a.ID {
		return NewErrorMessage(msg, ErrAlreadyExists, "annotation is open for editing, use update-selected"), nil
	}

	if err := h.opts.Annotator.AddAnnotation(a); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if err := h.persistLocked(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	h.journalDirect(history.EventUpdated, h.active, a, &prev)
	h.emitWire(annotator.AnnotationUpdated.String(), h.active, &a, &prev)
	if m := h.opts.Metrics; m != nil {
		m.RecordEvent(annotator.AnnotationUpdated.String())
	}

	return NewResponse(msg, MsgUpdateAnnotationResp, AnnotationResponse{Source: h.active, Annotation: a})
}

func (h *DaemonHandler) handleRemoveAnnotation(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req RemoveAnnotationRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}
	if req.ID == "" {
		return NewErrorMessage(msg, ErrInvalidRequest, "missing annotation id"), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if resp := h.switchTo(req.Source, msg); resp != nil {
		return resp, nil
	}
	if resp := h.requireActiveLocked(msg); resp != nil {
		return resp, nil
	}
	if _, exists := h.opts.Annotator.GetAnnotation(req.ID); !exists {
		return NewErrorMessage(msg, ErrNotFound, req.ID), nil
	}

	// Removal goes through the controller and fires the deletion
	// event, which journals and broadcasts on the bus path.
	if err := h.opts.Annotator.RemoveAnnotation(req.ID); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if err := h.persistLocked(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	return NewResponse(msg, MsgRemoveAnnotationResp, AckResponse{OK: true})
}

// ============================================================================
// Selection
// ============================================================================

func (h *DaemonHandler) handleSelect(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req SelectRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}
	if req.ID == "" {
		return NewErrorMessage(msg, ErrInvalidRequest, "missing annotation id"), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if resp := h.switchTo(req.Source, msg); resp != nil {
		return resp, nil
	}
	if resp := h.requireActiveLocked(msg); resp != nil {
		return resp, nil
	}
	if _, exists := h.opts.Annotator.GetAnnotation(req.ID); !exists {
		return NewErrorMessage(msg, ErrNotFound, req.ID), nil
	}

	if err := h.opts.Annotator.SelectAnnotation(req.ID); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if m := h.opts.Metrics; m != nil {
		m.SetSelectionActive(true)
	}

	sel, _ := h.opts.Annotator.Selected()
	return NewResponse(msg, MsgSelectResponse, SelectionResponse{Selected: true, Annotation: &sel})
}

func (h *DaemonHandler) handleDeselect(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.opts.Annotator.Deselect(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if err := h.persistLocked(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if m := h.opts.Metrics; m != nil {
		m.SetSelectionActive(false)
	}

	return NewResponse(msg, MsgDeselectResponse, AckResponse{OK: true})
}

func (h *DaemonHandler) handleSaveSelection(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req SaveSelectionRequest
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&req); err != nil {
			return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.opts.Annotator.Selected(); !ok {
		return NewErrorMessage(msg, ErrNoSelection, "nothing selected"), nil
	}

	h.evMu.Lock()
	h.override = req.ID
	h.lastCommitted = nil
	h.evMu.Unlock()

	var timer *metrics.HistogramTimer
	if m := h.opts.Metrics; m != nil {
		timer = m.StartCommitTimer()
	}

	err := h.opts.Annotator.SaveSelected()

	h.evMu.Lock()
	committed := h.lastCommitted
	h.override = ""
	h.evMu.Unlock()

	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if err := h.persistLocked(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if timer != nil {
		timer.Stop()
	}
	if m := h.opts.Metrics; m != nil {
		m.SetSelectionActive(false)
	}

	return NewResponse(msg, MsgSaveSelectionResponse, SelectionResponse{Selected: false, Annotation: committed})
}

func (h *DaemonHandler) handleCancelSelection(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.opts.Annotator.CancelSelected(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if m := h.opts.Metrics; m != nil {
		m.SetSelectionActive(false)
	}

	return NewResponse(msg, MsgCancelSelectionResp, AckResponse{OK: true})
}

func (h *DaemonHandler) handleDeleteSelection(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.opts.Annotator.Selected(); !ok {
		return NewErrorMessage(msg, ErrNoSelection, "nothing selected"), nil
	}

	if err := h.opts.Annotator.EditorActions().Delete(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if err := h.persistLocked(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if m := h.opts.Metrics; m != nil {
		m.SetSelectionActive(false)
	}

	return NewResponse(msg, MsgDeleteSelectionResp, AckResponse{OK: true})
}

func (h *DaemonHandler) handleUpdateSelected(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req UpdateSelectedRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.opts.Annotator.Selected(); !ok {
		return NewErrorMessage(msg, ErrNoSelection, "nothing selected"), nil
	}

	if err := h.opts.Annotator.UpdateSelected(req.Annotation, req.Save); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if req.Save {
		if err := h.persistLocked(); err != nil {
			return NewErrorMessage(msg, ErrInternal, err.Error()), nil
		}
	}

	resp := SelectionResponse{}
	if sel, ok := h.opts.Annotator.Selected(); ok {
		resp.Selected = true
		resp.Annotation = &sel
	}
	return NewResponse(msg, MsgUpdateSelectedResp, resp)
}

func (h *DaemonHandler) handleEditTarget(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req EditTargetRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.opts.Annotator.Selected(); !ok {
		return NewErrorMessage(msg, ErrNoSelection, "nothing selected"), nil
	}

	if err := h.opts.Annotator.EditSelectedTarget(req.Target); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}

	sel, _ := h.opts.Annotator.Selected()
	return NewResponse(msg, MsgEditTargetResponse, SelectionResponse{Selected: true, Annotation: &sel})
}

func (h *DaemonHandler) handleOverrideID(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req OverrideIDRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}
	if req.OldID == "" || req.NewID == "" {
		return NewErrorMessage(msg, ErrInvalidRequest, "missing annotation id"), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.opts.Annotator.GetAnnotation(req.OldID); !exists {
		return NewErrorMessage(msg, ErrNotFound, req.OldID), nil
	}

	if err := h.opts.Annotator.OverrideAnnotationID(req.OldID, req.NewID); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if err := h.persistLocked(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	return NewResponse(msg, MsgOverrideIDResponse, AckResponse{OK: true})
}

func (h *DaemonHandler) handleGetSelection(msg *Message) (*Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	resp := SelectionResponse{}
	if sel, ok := h.opts.Annotator.Selected(); ok {
		resp.Selected = true
		resp.Annotation = &sel
	}
	return NewResponse(msg, MsgGetSelectionResponse, resp)
}

// ============================================================================
// Tools and config
// ============================================================================

func (h *DaemonHandler) handleListTools(msg *Message) (*Message, error) {
	a := h.opts.Annotator
	return NewResponse(msg, MsgListToolsResponse, ListToolsResponse{
		Tools:  a.DrawingTools(),
		Active: a.ActiveDrawingTool(),
	})
}

func (h *DaemonHandler) handleSetTool(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	var req SetToolRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}

	if err := h.opts.Annotator.SetDrawingTool(req.Tool); err != nil {
		return NewErrorMessage(msg, ErrNotFound, err.Error()), nil
	}
	return NewResponse(msg, MsgSetToolResponse, AckResponse{OK: true})
}

func (h *DaemonHandler) handleGetConfig(msg *Message) (*Message, error) {
	if h.opts.Config == nil {
		return NewErrorMessage(msg, ErrNotInitialized, "configuration not available"), nil
	}
	cfg := h.opts.Config()
	if cfg == nil {
		return NewErrorMessage(msg, ErrNotInitialized, "configuration not available"), nil
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	return NewResponse(msg, MsgGetConfigResponse, GetConfigResponse{Path: h.opts.ConfigPath, Config: data})
}

// ============================================================================
// Snippets
// ============================================================================

func (h *DaemonHandler) handleSnippet(msg *Message) (*Message, error) {
	var req SnippetRequest
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&req); err != nil {
			return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var target annotation.Annotation
	if req.ID == "" {
		sel, ok := h.opts.Annotator.Selected()
		if !ok {
			return NewErrorMessage(msg, ErrNoSelection, "nothing selected"), nil
		}
		target = sel
	} else {
		got, ok := h.opts.Annotator.GetAnnotation(req.ID)
		if !ok {
			return NewErrorMessage(msg, ErrNotFound, req.ID), nil
		}
		target = got
	}

	if err := h.ensureImageLocked(); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	bounds := target.Target.Bounds()
	maxEdge := req.MaxEdge
	if h.opts.Config != nil {
		if cfg := h.opts.Config(); cfg != nil {
			if pad := float64(cfg.Snippet.Padding); pad > 0 {
				bounds.X -= pad
				bounds.Y -= pad
				bounds.W += 2 * pad
				bounds.H += 2 * pad
			}
			if maxEdge <= 0 {
				maxEdge = cfg.Snippet.MaxEdge
			}
		}
	}

	crop, err := snippet.Crop(h.img, bounds)
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	crop = snippet.Scale(crop, maxEdge)

	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	b := crop.Bounds()
	return NewResponse(msg, MsgSnippetResponse, SnippetResponse{
		Format: "png",
		Width:  b.Dx(),
		Height: b.Dy(),
		Data:   buf.Bytes(),
	})
}

func (h *DaemonHandler) ensureImageLocked() error {
	if h.active == "" {
		return fmt.Errorf("no active source")
	}
	if h.img != nil && h.imgFor == h.active {
		return nil
	}

	f, err := os.Open(h.active)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	h.img = img
	h.imgFor = h.active
	h.opts.Annotator.SetImage(img)
	return nil
}

// ============================================================================
// History
// ============================================================================

func (h *DaemonHandler) handleHistory(msg *Message) (*Message, error) {
	hs := h.opts.History
	if hs == nil {
		return NewErrorMessage(msg, ErrNotInitialized, "history disabled"), nil
	}

	var q HistoryQuery
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&q); err != nil {
			return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
		}
	}

	var (
		records []history.Record
		err     error
	)
	switch {
	case q.AnnotationID != "":
		records, err = hs.ByAnnotation(q.AnnotationID, q.Limit)
	case q.Source != "":
		records, err = hs.BySource(q.Source, q.Limit)
	case q.FromNs != 0 || q.ToNs != 0:
		from, to := time.Unix(0, q.FromNs), time.Now()
		if q.ToNs != 0 {
			to = time.Unix(0, q.ToNs)
		}
		records, err = hs.Range(from, to)
	default:
		records, err = hs.Recent(q.Limit)
	}
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	out := make([]HistoryRecord, 0, len(records))
	for _, r := range records {
		out = append(out, HistoryRecord{
			ID:           r.ID,
			Event:        r.Event,
			AnnotationID: r.AnnotationID,
			Source:       r.Source,
			Annotation:   json.RawMessage(r.Annotation),
			Previous:     json.RawMessage(r.Previous),
			TimestampNs:  r.TimestampNs,
		})
	}
	return NewResponse(msg, MsgHistoryResponse, HistoryResponse{Records: out})
}

func (h *DaemonHandler) handleHistoryStats(msg *Message) (*Message, error) {
	hs := h.opts.History
	if hs == nil {
		return NewErrorMessage(msg, ErrNotInitialized, "history disabled"), nil
	}

	stats, err := hs.GetStats()
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	return NewResponse(msg, MsgHistoryStatsResponse, HistoryStatsResponse{
		Total:     stats.Total,
		Created:   stats.Created,
		Updated:   stats.Updated,
		Deleted:   stats.Deleted,
		Snapshots: stats.Snapshots,
		OldestNs:  stats.OldestNs,
		NewestNs:  stats.NewestNs,
	})
}

func (h *DaemonHandler) handleListSnapshots(msg *Message) (*Message, error) {
	hs := h.opts.History
	if hs == nil {
		return NewErrorMessage(msg, ErrNotInitialized, "history disabled"), nil
	}

	var req ListSnapshotsRequest
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&req); err != nil {
			return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
		}
	}

	var (
		snaps []history.Snapshot
		err   error
	)
	if req.Source != "" {
		snaps, err = hs.SnapshotsBySource(req.Source, req.Limit)
	} else {
		snaps, err = hs.RecentSnapshots(req.Limit)
	}
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}

	out := make([]SnapshotInfo, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, SnapshotInfo{
			ID:          sn.ID,
			Source:      sn.Source,
			Annotations: sn.AnnotationCount,
			SizeBytes:   len(sn.Document),
			TimestampNs: sn.CreatedAt,
		})
	}
	return NewResponse(msg, MsgListSnapshotsResponse, ListSnapshotsResponse{Snapshots: out})
}

// handleRestoreSnapshot replaces a source's annotations with a stored
// snapshot. On the active source the delta is applied live, journaled
// and broadcast; other sources get their sidecar rewritten and are
// picked up on the next switch.
func (h *DaemonHandler) handleRestoreSnapshot(client *Client, msg *Message) (*Message, error) {
	if resp := requireWrite(client, msg); resp != nil {
		return resp, nil
	}
	hs := h.opts.History
	if hs == nil {
		return NewErrorMessage(msg, ErrNotInitialized, "history disabled"), nil
	}

	var req RestoreSnapshotRequest
	if err := msg.DecodePayload(&req); err != nil {
		return NewErrorMessage(msg, ErrInvalidRequest, err.Error()), nil
	}

	snap, err := hs.GetSnapshot(req.ID)
	if err != nil {
		return NewErrorMessage(msg, ErrInternal, err.Error()), nil
	}
	if snap == nil {
		return NewErrorMessage(msg, ErrInvalidRequest, fmt.Sprintf("snapshot %d not found", req.ID)), nil
	}

	var doc collection.Document
	if err := json.Unmarshal(snap.Document, &doc); err != nil {
		return NewErrorMessage(msg, ErrInternal, fmt.Sprintf("decode snapshot %d: %v", snap.ID, err)), nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if snap.Source == h.active {
		h.applyIncomingLocked(doc.Annotations)
		if err := h.persistLocked(); err != nil {
			return NewErrorMessage(msg, ErrInternal, err.Error()), nil
		}
	} else {
		if err := h.opts.Store.Save(snap.Source, doc.Annotations); err != nil {
			return NewErrorMessage(msg, ErrInternal, err.Error()), nil
		}
	}

	h.log.Info("snapshot restored",
		"snapshot", snap.ID,
		"source", snap.Source,
		"annotations", len(doc.Annotations))
	return NewResponse(msg, MsgRestoreSnapshotResp, RestoreSnapshotResponse{
		Source:      snap.Source,
		Annotations: len(doc.Annotations),
	})
}

// ============================================================================
// Source switching and persistence
// ============================================================================

// switchTo wraps switchSourceLocked, mapping failures to an error
// response. A nil return means the switch succeeded.
func (h *DaemonHandler) switchTo(source string, msg *Message) *Message {
	if err := h.switchSourceLocked(source); err != nil {
		if errors.Is(err, errNotInCollection) {
			return NewErrorMessage(msg, ErrInvalidRequest, err.Error())
		}
		return NewErrorMessage(msg, ErrInternal, err.Error())
	}
	return nil
}

// switchSourceLocked binds the annotator to source. The previous
// source's open selection is finalized the headless way (pending
// edits are saved, not lost) and its sidecar written.
func (h *DaemonHandler) switchSourceLocked(source string) error {
	if source == "" || source == h.active {
		return nil
	}
	if !h.opts.Store.MatchesImage(source) {
		return fmt.Errorf("%s: %w", source, errNotInCollection)
	}

	a := h.opts.Annotator
	if h.active != "" {
		if _, ok := a.Selected(); ok {
			if err := a.SaveSelected(); err != nil {
				return fmt.Errorf("finalize selection: %w", err)
			}
		}
		if err := h.persistLocked(); err != nil {
			return err
		}
		h.snapshotLocked(h.active)
	}

	anns, err := h.opts.Store.Load(source)
	if err != nil {
		return fmt.Errorf("load %s: %w", source, err)
	}
	if err := a.SetAnnotations(anns); err != nil {
		return fmt.Errorf("install annotations: %w", err)
	}
	a.SetSource(source)

	h.active = source
	h.img = nil
	h.imgFor = ""
	h.evMu.Lock()
	h.evSource = source
	h.evMu.Unlock()

	if m := h.opts.Metrics; m != nil {
		m.SetAnnotationCount(len(anns))
	}
	h.log.Info("active source switched", "source", source, "annotations", len(anns))
	return nil
}

// persistLocked writes the active source's annotations to its sidecar.
func (h *DaemonHandler) persistLocked() error {
	if h.active == "" {
		return nil
	}
	list := h.opts.Annotator.Annotations()
	if err := h.opts.Store.Save(h.active, list); err != nil {
		h.log.Error("sidecar write failed", "source", h.active, "error", err)
		if m := h.opts.Metrics; m != nil {
			m.RecordError()
		}
		return fmt.Errorf("write sidecar: %w", err)
	}
	if m := h.opts.Metrics; m != nil {
		m.SetAnnotationCount(len(list))
	}
	return nil
}

// snapshotLocked stores a restore point for source from the facade's
// current annotations. Failures are logged, not returned.
func (h *DaemonHandler) snapshotLocked(source string) {
	hs := h.opts.History
	if hs == nil {
		return
	}
	list := h.opts.Annotator.Annotations()
	if len(list) == 0 {
		return
	}
	data, err := collection.EncodeDocument(source, list)
	if err != nil {
		h.log.Warn("snapshot encode failed", "source", source, "error", err)
		return
	}
	if err := hs.RecordSnapshot(source, data, len(list)); err != nil {
		h.log.Warn("snapshot write failed", "source", source, "error", err)
	}
}

// ============================================================================
// External sidecar changes
// ============================================================================

// HandleSidecarChange reconciles an externally edited sidecar with the
// in-memory state. Only the active source needs reconciling; other
// sources are read from disk on demand anyway. Changes touching the
// open selection are skipped so a concurrent writer cannot yank an
// annotation out from under the editor.
func (h *DaemonHandler) HandleSidecarChange(ch collection.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active == "" || ch.ImagePath != h.active {
		return nil
	}
	start := time.Now()

	var incoming []annotation.Annotation
	if ch.Kind != collection.SidecarRemoved {
		var err error
		incoming, err = h.opts.Store.Load(h.active)
		if err != nil {
			return fmt.Errorf("reload %s: %w", h.active, err)
		}
	}

	delta := h.applyIncomingLocked(incoming)
	if delta.Empty() {
		return nil
	}

	if m := h.opts.Metrics; m != nil {
		m.RecordReload(time.Since(start))
		m.SetAnnotationCount(len(h.opts.Annotator.Annotations()))
	}
	h.log.Info("applied external sidecar change",
		"source", h.active,
		"added", len(delta.Added),
		"updated", len(delta.Updated),
		"removed", len(delta.Removed))
	return nil
}

// applyIncomingLocked diffs incoming against the facade and applies
// the delta, journaling and broadcasting each change. Entries touching
// the open selection are skipped.
func (h *DaemonHandler) applyIncomingLocked(incoming []annotation.Annotation) collection.Delta {
	a := h.opts.Annotator
	delta := collection.Diff(a.Annotations(), incoming)
	if delta.Empty() {
		return delta
	}

	selectedID := ""
	if sel, ok := a.Selected(); ok {
		selectedID = sel.ID
	}

	for _, add := range delta.Added {
		if err := a.AddAnnotation(add); err != nil {
			h.log.Warn("apply external add failed", "id", add.ID, "error", err)
			continue
		}
		h.journalDirect(history.EventCreated, h.active, add, nil)
		h.emitWire(annotator.AnnotationCreated.String(), h.active, &add, nil)
	}
	for _, upd := range delta.Updated {
		if upd.ID == selectedID {
			h.log.Info("skipping external update to the open selection", "id", upd.ID)
			continue
		}
		prev, _ := a.GetAnnotation(upd.ID)
		if err := a.AddAnnotation(upd); err != nil {
			h.log.Warn("apply external update failed", "id", upd.ID, "error", err)
			continue
		}
		h.journalDirect(history.EventUpdated, h.active, upd, &prev)
		h.emitWire(annotator.AnnotationUpdated.String(), h.active, &upd, &prev)
	}
	for _, id := range delta.Removed {
		if id == selectedID {
			h.log.Info("skipping external removal of the open selection", "id", id)
			continue
		}
		// Controller-driven removal journals and broadcasts through
		// the bus path.
		if err := a.RemoveAnnotation(id); err != nil {
			h.log.Warn("apply external removal failed", "id", id, "error", err)
		}
	}
	return delta
}

// ============================================================================
// Lifecycle event plumbing
// ============================================================================

// onLifecycleEvent runs synchronously inside annotator calls, under
// mu when the call came from a handler. It must only take evMu.
func (h *DaemonHandler) onLifecycleEvent(ev annotator.Event) {
	h.evMu.Lock()
	source := h.evSource
	override := h.override
	if ev.Type == annotator.AnnotationCreated {
		h.override = ""
	}
	h.evMu.Unlock()

	if ev.Type == annotator.AnnotationCreated && override != "" && ev.OverrideID != nil {
		if err := ev.OverrideID(override); err != nil {
			h.log.Warn("id override failed", "id", override, "error", err)
		} else {
			ev.Annotation = ev.Annotation.WithID(override)
		}
	}

	if ev.Type == annotator.AnnotationCreated || ev.Type == annotator.AnnotationUpdated {
		committed := ev.Annotation
		h.evMu.Lock()
		h.lastCommitted = &committed
		h.evMu.Unlock()
	}

	if m := h.opts.Metrics; m != nil {
		m.RecordEvent(ev.Type.String())
	}

	switch ev.Type {
	case annotator.AnnotationCreated:
		h.journalDirect(history.EventCreated, source, ev.Annotation, nil)
	case annotator.AnnotationUpdated:
		h.journalDirect(history.EventUpdated, source, ev.Annotation, ev.Previous)
	case annotator.AnnotationDeleted:
		h.journalDirect(history.EventDeleted, source, ev.Annotation, nil)
	}

	payload := &EventPayload{
		Type:        ev.Type.String(),
		Source:      source,
		Previous:    ev.Previous,
		Target:      ev.Target,
		TimestampNs: time.Now().UnixNano(),
	}
	a := ev.Annotation
	payload.Annotation = &a
	if h.server != nil {
		h.server.Broadcast(payload)
	}
}

// journalDirect writes one journal record, logging failures.
func (h *DaemonHandler) journalDirect(event, source string, a annotation.Annotation, previous *annotation.Annotation) {
	hs := h.opts.History
	if hs == nil {
		return
	}
	var err error
	switch event {
	case history.EventCreated:
		err = hs.RecordCreated(source, a)
	case history.EventUpdated:
		prev := a
		if previous != nil {
			prev = *previous
		}
		err = hs.RecordUpdated(source, a, prev)
	case history.EventDeleted:
		err = hs.RecordDeleted(source, a)
	}
	if err != nil {
		h.log.Warn("journal write failed", "event", event, "id", a.ID, "error", err)
		if m := h.opts.Metrics; m != nil {
			m.RecordError()
		}
	}
}

// emitWire broadcasts a wire event for operations that bypass the bus.
func (h *DaemonHandler) emitWire(eventType, source string, a, previous *annotation.Annotation) {
	if h.server == nil {
		return
	}
	h.server.Broadcast(&EventPayload{
		Type:        eventType,
		Source:      source,
		Annotation:  a,
		Previous:    previous,
		TimestampNs: time.Now().UnixNano(),
	})
}
