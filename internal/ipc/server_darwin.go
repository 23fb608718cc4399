//go:build darwin

package ipc

import "golang.org/x/sys/unix"

// peerCreds reads LOCAL_PEERCRED. The Xucred structure carries no
// PID, so that comes from a separate LOCAL_PEERPID query and is zero
// when the query fails.
func peerCreds(fd int) (*PeerCredentials, error) {
	xucred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return nil, err
	}

	pid, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	if err != nil {
		pid = 0
	}

	return &PeerCredentials{
		PID: pid,
		UID: int(xucred.Uid),
		GID: int(xucred.Groups[0]),
	}, nil
}
