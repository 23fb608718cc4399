//go:build windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
	"unsafe"
)

// Win32 named pipe constants.
const (
	pipeAccessDuplex       = 0x00000003
	pipeTypeMessage        = 0x00000004
	pipeReadmodeMessage    = 0x00000002
	pipeWait               = 0x00000000
	pipeUnlimitedInstances = 255

	pipeBufferSize = 64 * 1024

	errorPipeConnected = syscall.Errno(535)
	errorPipeBusy      = syscall.Errno(231)
)

var (
	kernel32                        = syscall.NewLazyDLL("kernel32.dll")
	procCreateNamedPipeW            = kernel32.NewProc("CreateNamedPipeW")
	procConnectNamedPipe            = kernel32.NewProc("ConnectNamedPipe")
	procDisconnectNamedPipe         = kernel32.NewProc("DisconnectNamedPipe")
	procGetNamedPipeClientProcessId = kernel32.NewProc("GetNamedPipeClientProcessId")
)

// PeerCredentials identifies the process on the far end of a local
// connection. Named pipes expose only the client PID.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// GetPeerCredentials reads the client PID off the pipe handle.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	pc, ok := conn.(*pipeConn)
	if !ok {
		return nil, fmt.Errorf("not a named pipe connection")
	}

	var pid uint32
	r, _, err := procGetNamedPipeClientProcessId.Call(
		uintptr(pc.handle),
		uintptr(unsafe.Pointer(&pid)),
	)
	if r == 0 {
		return nil, err
	}
	return &PeerCredentials{PID: int(pid)}, nil
}

// VerifyPeerIsCurrentUser always succeeds on Windows. The pipe is
// created with the default DACL, which already limits access to the
// creating user.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return true, nil
}

// SetSocketPermissions is a no-op on Windows; the pipe DACL is set at
// creation time.
func SetSocketPermissions(path string, mode os.FileMode) error {
	return nil
}

// CleanupSocket is a no-op on Windows; the system reclaims named
// pipes when their last handle closes.
func CleanupSocket(path string) error {
	return nil
}

// IsSocketListening reports whether the daemon's pipe accepts
// connections.
func IsSocketListening(path string) bool {
	handle, err := openPipe(pipePath(path))
	if err != nil {
		return false
	}
	syscall.CloseHandle(handle)
	return true
}

// pipePath maps the configured socket path to a per-user pipe name,
// e.g. C:\Users\xxx\.annotd\annotd.sock becomes
// \\.\pipe\annotd-xxx-annotd.sock.
func pipePath(socketPath string) string {
	username := os.Getenv("USERNAME")
	if username == "" {
		username = "default"
	}
	return fmt.Sprintf(`\\.\pipe\annotd-%s-%s`, username, filepath.Base(socketPath))
}

// openPipe opens one end of an existing pipe for duplex byte I/O.
func openPipe(name string) (syscall.Handle, error) {
	p, err := syscall.UTF16PtrFromString(name)
	if err != nil {
		return syscall.InvalidHandle, err
	}
	return syscall.CreateFile(
		p,
		syscall.GENERIC_READ|syscall.GENERIC_WRITE,
		0,
		nil,
		syscall.OPEN_EXISTING,
		0,
		0,
	)
}

// listenLocal opens the daemon's named pipe.
func listenLocal(path string) (net.Listener, error) {
	return &pipeListener{name: pipePath(path)}, nil
}

func createNamedPipe(name string) (syscall.Handle, error) {
	pipeName, err := syscall.UTF16PtrFromString(name)
	if err != nil {
		return syscall.InvalidHandle, err
	}

	// Message mode keeps frames atomic.
	handle, _, err := procCreateNamedPipeW.Call(
		uintptr(unsafe.Pointer(pipeName)),
		pipeAccessDuplex,
		pipeTypeMessage|pipeReadmodeMessage|pipeWait,
		pipeUnlimitedInstances,
		pipeBufferSize,
		pipeBufferSize,
		0,
		0, // default security descriptor, current user only
	)
	if handle == uintptr(syscall.InvalidHandle) {
		return syscall.InvalidHandle, err
	}
	return syscall.Handle(handle), nil
}

// connectNamedPipe blocks until a client opens the pipe. A client that
// raced in between pipe creation and this call shows up as
// ERROR_PIPE_CONNECTED, which also counts as connected.
func connectNamedPipe(handle syscall.Handle) error {
	if r, _, err := procConnectNamedPipe.Call(uintptr(handle), 0); r == 0 {
		if errno, ok := err.(syscall.Errno); !ok || errno != errorPipeConnected {
			return err
		}
	}
	return nil
}

func disconnectNamedPipe(handle syscall.Handle) error {
	if r, _, err := procDisconnectNamedPipe.Call(uintptr(handle)); r == 0 {
		return err
	}
	return nil
}

// pipeListener implements net.Listener over named pipes. Each Accept
// creates a fresh pipe instance and blocks until a client connects.
type pipeListener struct {
	name   string
	closed bool
}

func (l *pipeListener) Accept() (net.Conn, error) {
	if l.closed {
		return nil, net.ErrClosed
	}

	handle, err := createNamedPipe(l.name)
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	if err := connectNamedPipe(handle); err != nil {
		syscall.CloseHandle(handle)
		return nil, fmt.Errorf("connect pipe: %w", err)
	}

	return &pipeConn{handle: handle, name: l.name}, nil
}

func (l *pipeListener) Close() error {
	l.closed = true
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return &pipeAddr{name: l.name}
}

// pipeConn implements net.Conn over a named pipe instance. Deadlines
// are not supported; reads block until data or disconnect.
type pipeConn struct {
	handle syscall.Handle
	name   string
}

func (c *pipeConn) Read(b []byte) (int, error) {
	var n uint32
	err := syscall.ReadFile(c.handle, b, &n, nil)
	return int(n), err
}

func (c *pipeConn) Write(b []byte) (int, error) {
	var n uint32
	err := syscall.WriteFile(c.handle, b, &n, nil)
	return int(n), err
}

func (c *pipeConn) Close() error {
	disconnectNamedPipe(c.handle)
	return syscall.CloseHandle(c.handle)
}

func (c *pipeConn) LocalAddr() net.Addr  { return &pipeAddr{name: c.name} }
func (c *pipeConn) RemoteAddr() net.Addr { return &pipeAddr{name: c.name} }

func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct {
	name string
}

func (a *pipeAddr) Network() string { return "pipe" }
func (a *pipeAddr) String() string  { return a.name }
