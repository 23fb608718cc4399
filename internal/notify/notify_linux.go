//go:build linux

package notify

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"annotd/internal/config"
)

const (
	notifyService   = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications.Notify"
)

type dbusBackend struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	timeout int32
	lastID  uint32
}

func newPlatformBackend(cfg config.NotifyConfig) (backend, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	timeout := int32(cfg.TimeoutMs)
	if timeout <= 0 {
		timeout = -1 // server default
	}

	return &dbusBackend{
		conn:    conn,
		obj:     conn.Object(notifyService, notifyPath),
		timeout: timeout,
	}, nil
}

func (b *dbusBackend) send(summary, body string) error {
	// Replacing the previous notification keeps rapid edits from
	// stacking up in the notification tray.
	call := b.obj.Call(notifyInterface, 0,
		"annotd",          // app name
		b.lastID,          // replaces id
		"image-x-generic", // icon
		summary,
		body,
		[]string{},                // actions
		map[string]dbus.Variant{}, // hints
		b.timeout,
	)
	if call.Err != nil {
		return fmt.Errorf("notify call: %w", call.Err)
	}
	if len(call.Body) > 0 {
		if id, ok := call.Body[0].(uint32); ok {
			b.lastID = id
		}
	}
	return nil
}

func (b *dbusBackend) close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
