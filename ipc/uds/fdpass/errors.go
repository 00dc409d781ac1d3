package fdpass

import (
	"errors"
	"fmt"

	"github.com/johnsiilver/fdpass/ipc/uds"
	"golang.org/x/sys/unix"
)

// ConnectKind classifies a *ConnectError.
type ConnectKind int8

const (
	// Other is any connect failure not covered below. The Errno is kept in the error.
	Other ConnectKind = 0
	// PathTooLong means the target does not fit in sockaddr_un. No syscall was made.
	PathTooLong ConnectKind = 1
	// NoListener means nothing is listening at the target (ENOENT or ECONNREFUSED).
	NoListener ConnectKind = 2
	// PermissionDenied means the socket file could not be opened (EACCES or EPERM).
	PermissionDenied ConnectKind = 3
)

func (k ConnectKind) String() string {
	switch k {
	case Other:
		return "other"
	case PathTooLong:
		return "path too long"
	case NoListener:
		return "no listener"
	case PermissionDenied:
		return "permission denied"
	}
	return fmt.Sprintf("ConnectKind(%d)", int8(k))
}

// ConnectError is returned when a connection to a target could not be made.
type ConnectError struct {
	Kind ConnectKind
	// Path is the target socket path.
	Path string
	// Op is the syscall that failed, empty if none was made.
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("fdpass: connect to %q: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("fdpass: connect to %q: %s: %s: %v", e.Path, e.Kind, e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Errno is the OS error code, 0 if there was none.
func (e *ConnectError) Errno() unix.Errno {
	return errnoOf(e.Err)
}

func connectErr(path string, err error) *ConnectError {
	ce := &ConnectError{Path: path, Err: err}
	switch {
	case errors.Is(err, uds.ErrPathTooLong):
		ce.Kind = PathTooLong
		return ce
	case errors.Is(err, uds.ErrEmptyPath):
		ce.Err = fmt.Errorf("%w: %v", unix.EINVAL, err)
		return ce
	}

	ce.Op = "connect"
	switch ce.Errno() {
	case unix.ENOENT, unix.ECONNREFUSED:
		ce.Kind = NoListener
	case unix.EACCES, unix.EPERM:
		ce.Kind = PermissionDenied
	}
	return ce
}

// TransferKind classifies a *TransferError.
type TransferKind int8

const (
	// Connect means no connection could be made, see TransferError.Connect.
	Connect TransferKind = 1
	// Send means the message could not be written, after one reconnect and retry.
	Send TransferKind = 2
	// PartialWriteExhausted means the body stopped making progress after a short write.
	PartialWriteExhausted TransferKind = 3
)

func (k TransferKind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Send:
		return "send"
	case PartialWriteExhausted:
		return "partial write exhausted"
	}
	return fmt.Sprintf("TransferKind(%d)", int8(k))
}

// TransferError is returned by Sender.Send() when the message could not be delivered.
type TransferError struct {
	Kind TransferKind
	// Path is the target socket path.
	Path string
	// Op is the syscall that failed: "connect", "sendmsg" or "write".
	Op string
	// Connect is set when Kind == Connect.
	Connect *ConnectError
	Err     error
}

func (e *TransferError) Error() string {
	if e.Kind == Connect && e.Connect != nil {
		return e.Connect.Error()
	}
	return fmt.Sprintf("fdpass: transfer to %q: %s: %s: %v", e.Path, e.Kind, e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	if e.Connect != nil {
		return e.Connect
	}
	return e.Err
}

// Errno is the OS error code, 0 if there was none.
func (e *TransferError) Errno() unix.Errno {
	return errnoOf(e.Unwrap())
}

func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
