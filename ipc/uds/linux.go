//go:build linux

package uds

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// readCreds returns the credentials of the process calling the server via SO_PEERCRED.
// Ref: https://blog.jbowen.dev/2019/09/using-so_peercred-in-go/
func readCreds(conn *net.UnixConn) (Cred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Cred{}, fmt.Errorf("error opening raw connection: %w", err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(
		func(fd uintptr) {
			cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		},
	)
	if err != nil {
		return Cred{}, fmt.Errorf("Control() error: %w", err)
	}
	if credErr != nil {
		return Cred{}, fmt.Errorf("GetsockoptUcred() error: %w", credErr)
	}

	return Cred{PID: ID(cred.Pid), UID: ID(cred.Uid), GID: ID(cred.Gid)}, nil
}
