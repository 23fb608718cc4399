//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"time"
)

// PeerCredentials identifies the process on the far end of a local
// connection.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// GetPeerCredentials asks the kernel who is on the far end of the
// socket. Platform files supply peerCreds with the matching
// getsockopt call.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("not a unix connection")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw conn: %w", err)
	}

	var cred *PeerCredentials
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = peerCreds(int(fd))
	}); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("peer credentials: %w", credErr)
	}
	return cred, nil
}

// VerifyPeerIsCurrentUser reports whether the peer runs as the same
// user as the daemon.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}

// listenLocal opens the daemon's Unix socket.
func listenLocal(path string) (net.Listener, error) {
	return net.Listen("unix", path)
}

// dialLocal connects to the daemon's Unix socket.
func dialLocal(path string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", path, timeout)
}

// SetSocketPermissions restricts the socket file mode.
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file. Paths that exist but are
// not sockets are left alone so a misconfigured path cannot delete
// real files.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return err
	case info.Mode()&os.ModeSocket == 0:
		return fmt.Errorf("path exists but is not a socket: %s", path)
	}
	return os.Remove(path)
}

// IsSocketListening reports whether something accepts connections on
// the socket. A leftover file from a crashed daemon does not.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
