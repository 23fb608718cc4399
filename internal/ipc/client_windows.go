//go:build windows

package ipc

import (
	"net"
	"syscall"
	"time"
)

// dialLocal connects to the daemon's named pipe, retrying while every
// pipe instance is busy.
func dialLocal(path string, timeout time.Duration) (net.Conn, error) {
	name := pipePath(path)
	deadline := time.Now().Add(timeout)

	for {
		handle, err := openPipe(name)
		if err == nil {
			return &pipeConn{handle: handle, name: name}, nil
		}
		if errno, ok := err.(syscall.Errno); !ok || errno != errorPipeBusy {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}
