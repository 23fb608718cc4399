//go:build linux

package ipc

import "golang.org/x/sys/unix"

// peerCreds reads SO_PEERCRED, which the kernel fills in at connect
// time and cannot be spoofed by the client.
func peerCreds(fd int) (*PeerCredentials, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, err
	}
	return &PeerCredentials{
		PID: int(ucred.Pid),
		UID: int(ucred.Uid),
		GID: int(ucred.Gid),
	}, nil
}
