package ui

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"gioui.org/layout"
	"gioui.org/widget"

	"annotd/cmd/annotd-gui/internal/theme"
	"annotd/internal/ipc"
	"annotd/pkg/annotation"
)

const snippetEdge = 320

// App holds the UI state and talks to the daemon. All daemon calls
// run inline from the frame handler; the socket is local, so round
// trips are far below frame budget.
type App struct {
	th         *theme.Theme
	client     *ipc.IPCClient
	invalidate func()

	mu          sync.Mutex
	sources     []ipc.SourceInfo
	viewSource  string
	annotations []annotation.Annotation
	selection   *annotation.Annotation
	snippet     image.Image
	readOnly    bool
	version     string
	statusLine  string
	statusErr   bool

	sourceList widget.List
	annoList   widget.List
	sourceBtns []widget.Clickable
	annoBtns   []widget.Clickable
	bodyEditor widget.Editor
	saveBtn    widget.Clickable
	cancelBtn  widget.Clickable
	deleteBtn  widget.Clickable
	refreshBtn widget.Clickable
}

// NewApp creates the UI and performs the initial load. invalidate is
// called from daemon event callbacks to request a redraw.
func NewApp(t *theme.Theme, client *ipc.IPCClient, invalidate func()) *App {
	a := &App{
		th:         t,
		client:     client,
		invalidate: invalidate,
	}
	a.sourceList.Axis = layout.Vertical
	a.annoList.Axis = layout.Vertical
	a.Refresh()
	return a
}

func (a *App) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

// Refresh reloads everything from the daemon.
func (a *App) Refresh() {
	ctx, cancel := a.ctx()
	defer cancel()

	status, err := a.client.Status(ctx)
	if err != nil {
		a.setError("status: %v", err)
		return
	}
	sources, err := a.client.ListSources(ctx)
	if err != nil {
		a.setError("sources: %v", err)
		return
	}

	a.mu.Lock()
	a.version = status.Version
	a.readOnly = status.ReadOnly
	a.sources = sources
	if a.viewSource == "" {
		a.viewSource = status.ActiveSource
	}
	view := a.viewSource
	a.mu.Unlock()

	if view != "" {
		a.loadAnnotations(view)
	}
	a.loadSelection()
	a.setStatus("connected to annotd %s", status.Version)
}

func (a *App) loadAnnotations(source string) {
	ctx, cancel := a.ctx()
	defer cancel()

	resp, err := a.client.ListAnnotations(ctx, source)
	if err != nil {
		a.setError("annotations: %v", err)
		return
	}
	a.mu.Lock()
	a.viewSource = resp.Source
	a.annotations = resp.Annotations
	a.mu.Unlock()
}

func (a *App) loadSelection() {
	ctx, cancel := a.ctx()
	defer cancel()

	resp, err := a.client.Selection(ctx)
	if err != nil {
		return
	}
	a.mu.Lock()
	if resp.Selected {
		a.selection = resp.Annotation
	} else {
		a.selection = nil
		a.snippet = nil
	}
	a.mu.Unlock()
	if resp.Selected && resp.Annotation != nil {
		a.bodyEditor.SetText(bodyText(*resp.Annotation))
		a.loadSnippet(resp.Annotation.ID)
	}
}

// openAnnotation selects an annotation for editing. The daemon
// switches its active source when the target lives elsewhere.
func (a *App) openAnnotation(source, id string) {
	ctx, cancel := a.ctx()
	defer cancel()

	resp, err := a.client.Select(ctx, source, id)
	if err != nil {
		a.setError("select: %v", err)
		return
	}
	a.mu.Lock()
	a.selection = resp.Annotation
	a.snippet = nil
	a.mu.Unlock()
	if resp.Annotation != nil {
		a.bodyEditor.SetText(bodyText(*resp.Annotation))
		a.loadSnippet(resp.Annotation.ID)
		a.setStatus("editing %s", resp.Annotation.ID)
	}
}

func (a *App) loadSnippet(id string) {
	ctx, cancel := a.ctx()
	defer cancel()

	resp, err := a.client.Snippet(ctx, id, snippetEdge)
	if err != nil {
		return
	}
	img, _, err := image.Decode(bytes.NewReader(resp.Data))
	if err != nil {
		return
	}
	a.mu.Lock()
	a.snippet = img
	a.mu.Unlock()
}

// saveSelection pushes the editor text into the selection and
// commits it.
func (a *App) saveSelection() {
	a.mu.Lock()
	sel := a.selection
	a.mu.Unlock()
	if sel == nil {
		return
	}

	ctx, cancel := a.ctx()
	defer cancel()

	updated := sel.WithBodies(annotation.Body{Type: "TextualBody", Purpose: "commenting", Value: a.bodyEditor.Text()})
	if _, err := a.client.UpdateSelected(ctx, updated, false); err != nil {
		a.setError("update: %v", err)
		return
	}
	resp, err := a.client.SaveSelection(ctx, "")
	if err != nil {
		a.setError("save: %v", err)
		return
	}
	a.clearSelection()
	if resp.Annotation != nil {
		a.setStatus("saved %s", resp.Annotation.ID)
	}
	a.reloadView()
}

// CancelSelection discards pending edits. Bound to the cancel button
// and the Escape key.
func (a *App) CancelSelection() {
	a.mu.Lock()
	sel := a.selection
	a.mu.Unlock()
	if sel == nil {
		return
	}

	ctx, cancel := a.ctx()
	defer cancel()
	if err := a.client.CancelSelection(ctx); err != nil {
		a.setError("cancel: %v", err)
		return
	}
	a.clearSelection()
	a.setStatus("edit cancelled")
	a.reloadView()
}

func (a *App) deleteSelection() {
	a.mu.Lock()
	sel := a.selection
	a.mu.Unlock()
	if sel == nil {
		return
	}

	ctx, cancel := a.ctx()
	defer cancel()
	if err := a.client.DeleteSelection(ctx); err != nil {
		a.setError("delete: %v", err)
		return
	}
	a.clearSelection()
	a.setStatus("deleted %s", sel.ID)
	a.reloadView()
}

func (a *App) clearSelection() {
	a.mu.Lock()
	a.selection = nil
	a.snippet = nil
	a.mu.Unlock()
	a.bodyEditor.SetText("")
}

func (a *App) reloadView() {
	a.mu.Lock()
	view := a.viewSource
	a.mu.Unlock()
	if view != "" {
		a.loadAnnotations(view)
	}
}

// HandleEvent folds a streamed daemon event into the UI state. It
// runs on the client's read goroutine.
func (a *App) HandleEvent(ev *ipc.EventPayload) {
	defer a.invalidate()

	switch ev.Type {
	case ipc.EventSourceAdded, ipc.EventSourceRemoved:
		ctx, cancel := a.ctx()
		sources, err := a.client.ListSources(ctx)
		cancel()
		if err == nil {
			a.mu.Lock()
			a.sources = sources
			a.mu.Unlock()
		}
		a.setStatus("%s %s", ev.Type, filepath.Base(ev.Source))
		return
	}

	if ev.Annotation == nil {
		return
	}

	a.mu.Lock()
	sameSource := ev.Source == "" || ev.Source == a.viewSource
	if sameSource {
		switch ev.Type {
		case "annotation.created":
			if idx := indexByID(a.annotations, ev.Annotation.ID); idx < 0 {
				a.annotations = append(a.annotations, *ev.Annotation)
			}
		case "annotation.updated":
			if idx := indexByID(a.annotations, ev.Annotation.ID); idx >= 0 {
				a.annotations[idx] = *ev.Annotation
			}
		case "annotation.deleted":
			if idx := indexByID(a.annotations, ev.Annotation.ID); idx >= 0 {
				a.annotations = append(a.annotations[:idx], a.annotations[idx+1:]...)
			}
		}
	}
	a.mu.Unlock()
	a.setStatus("%s %s", ev.Type, ev.Annotation.ID)
}

func indexByID(list []annotation.Annotation, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func (a *App) setStatus(format string, args ...any) {
	a.mu.Lock()
	a.statusLine = fmt.Sprintf(format, args...)
	a.statusErr = false
	a.mu.Unlock()
}

func (a *App) setError(format string, args ...any) {
	a.mu.Lock()
	a.statusLine = fmt.Sprintf(format, args...)
	a.statusErr = true
	a.mu.Unlock()
}

func bodyText(a annotation.Annotation) string {
	for _, b := range a.Bodies {
		if b.Value != "" {
			return b.Value
		}
	}
	return ""
}
