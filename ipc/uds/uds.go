/*
Package uds provides a server and client for Unix Domain Sockets that can carry open file
descriptors as SCM_RIGHTS ancillary data. This provides a lot of convenience around the "net"
package for handling the socket file setup, peer credentials and the msghdr plumbing.

The package currently only works for Linux/Darwin, as those are the systems I use.

This package takes the stance that Read() and Write() calls by default should infinitely block
unless the socket is closed. This eases development, and it is what the descriptor passing
packages built on top of this expect.

Unix/Linux Note:
	Socket paths have a length limit that is different than the normal filesystem. The limit
	is the size of the sun_path field in the platform's sockaddr_un (108 on Linux, 104 on
	Darwin). Paths at or over that limit are rejected with ErrPathTooLong before any syscall
	is made instead of being silently truncated by the kernel.

Descriptor ownership:
	Descriptors received with Conn.ReadMsg() belong to the caller, who must close them.
	Descriptors sent with Client.WriteMsgUnix() remain owned by the caller.
*/
package uds

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strconv"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"
)

var (
	// ErrPathTooLong indicates the socket path does not fit in a sockaddr_un.
	ErrPathTooLong = errors.New("socket path exceeds the platform limit")
	// ErrEmptyPath indicates no socket path was given.
	ErrEmptyPath = errors.New("socket path is empty")
)

// MaxPathLen is the size of sun_path on this platform. A usable path must be shorter than
// this, as the kernel needs room for the terminating NUL.
func MaxPathLen() int {
	return len(unix.RawSockaddrUnix{}.Path)
}

// ValidatePath checks that socketAddr can be used as a Unix socket address without truncation.
func ValidatePath(socketAddr string) error {
	if socketAddr == "" {
		return ErrEmptyPath
	}
	if len(socketAddr) >= MaxPathLen() {
		return fmt.Errorf("socketAddr(%s) is %d bytes, must be less than %d: %w", socketAddr, len(socketAddr), MaxPathLen(), ErrPathTooLong)
	}
	return nil
}

// ID represents a numeric ID. Go in various libraries stores IDs such as Uid or Gid as strings.
// However in other more OS specific libraries, it might be int or int32. This simply unifies that
// so it is easier to translate for whatever need you have.
type ID int

// String returns the ID as a string.
func (i ID) String() string {
	return strconv.Itoa(int(i))
}

// Int returns the ID as an int.
func (i ID) Int() int {
	return int(i)
}

// Current provides information about the current process and user.
func Current() (Cred, *user.User, error) {
	u, err := user.Current()
	if err != nil {
		return Cred{}, nil, err
	}

	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	cred := Cred{
		PID: ID(os.Getpid()),
		UID: ID(uid),
		GID: ID(gid),
	}
	return cred, u, nil
}

// Cred provides the credentials of the local process contacting the server.
type Cred struct {
	// PID is the process id of the process.
	PID ID
	// UID is the user id of the process.
	UID ID
	// GID is the group id of the process.
	GID ID
}

// Conn represents a UDS connection from a client. Must take a pointer if this will be copied
// after being received.
type Conn struct {
	Cred         Cred
	conn         *net.UnixConn
	readDeadline time.Time
	oob          []byte
}

// UnixConn will return the underlying UnixConn object. Note that .SetReadDeadline()/.SetDeadline()
// will not do anything for Read()/ReadMsg(). Use ReadTimeout()/ReadDeadline() defined on Conn.
func (c *Conn) UnixConn() *net.UnixConn {
	return c.conn
}

// Read implements io.Reader.Read(). This has an inifite read timeout. If you want to have a timeout,
// call ReadDeadline() or ReadTimeout() before calling. You must do this for every Read() call.
// Any descriptors attached to the data read are discarded by the kernel, use ReadMsg() to keep them.
func (c *Conn) Read(b []byte) (int, error) {
	c.conn.SetReadDeadline(c.readDeadline)
	c.readDeadline = time.Time{}

	return c.conn.Read(b)
}

// ReadMsg reads data into b along with any descriptors that were passed with it. The returned
// fds are owned by the caller. n is never negative, even when err != nil. If the kernel had to
// truncate the control message, every descriptor that did arrive is closed and an error is
// returned. The same deadline rules as Read() apply.
func (c *Conn) ReadMsg(b []byte) (n int, fds []int, err error) {
	c.conn.SetReadDeadline(c.readDeadline)
	c.readDeadline = time.Time{}

	n, oobn, flags, _, err := c.conn.ReadMsgUnix(b, c.oob)
	if n < 0 {
		n = 0
	}
	if oobn > 0 {
		var perr error
		fds, perr = parseRights(c.oob[:oobn])
		if perr != nil && err == nil {
			err = perr
		}
	}
	if err == nil && flags&unix.MSG_CTRUNC != 0 {
		closeFDs(fds)
		return n, nil, fmt.Errorf("control message truncated, more than %d descriptors were sent", maxRecvFDs)
	}
	return n, fds, err
}

// ReadTimeout caused the next Read() call to timeout at time.Now().Add(timeout). Must be used
// before every Read() call that you want to have a timeout.
func (c *Conn) ReadTimeout(timeout time.Duration) {
	c.readDeadline = time.Now().Add(timeout)
}

// ReadDeadline caused the next Read() call to timeout at t. Must be used
// before every Read() call that you want to have a timeout.
func (c *Conn) ReadDeadline(t time.Time) {
	c.readDeadline = t
}

// Write implements io.Writer.Write().
func (c *Conn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close implements io.Closer.Close().
func (c *Conn) Close() error {
	return c.conn.Close()
}

// maxRecvFDs is how many descriptors a single ReadMsg() can receive.
const maxRecvFDs = 32

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("could not parse control message: %w", err)
	}

	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeFDs(fds)
			return nil, fmt.Errorf("could not parse SCM_RIGHTS: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// Server provides a Unix Domain Socket server that clients can connect on.
type Server struct {
	l      *net.UnixListener
	errCh  chan error
	connCh chan *Conn
}

// NewServer creates a new UDS server that creates and listens to the file at socketAddr. uid and gid are
// the uid and gid that file will be set to (-1 leaves it unchanged) and fileMode is the file mode it
// will inherit. If socketAddr exists this will attempt to delete it. Suggest fileMode of 0770.
func NewServer(socketAddr string, uid, gid int, fileMode os.FileMode) (*Server, error) {
	if err := ValidatePath(socketAddr); err != nil {
		return nil, err
	}

	if err := os.Remove(socketAddr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("unable to create server socket(%s), could not remove old socket file: %w", socketAddr, err)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketAddr, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("unable to create server socket(%s): %w", socketAddr, err)
	}
	l.SetUnlinkOnClose(true)

	if err := os.Chmod(socketAddr, fileMode); err != nil {
		l.Close()
		return nil, fmt.Errorf("unable to create server socket(%s), could not chmod the socket file: %w", socketAddr, err)
	}
	if err := os.Chown(socketAddr, uid, gid); err != nil {
		l.Close()
		return nil, fmt.Errorf("unable to create server socket(%s), could not chown the socket file: %w", socketAddr, err)
	}
	log.V(1).Infof("uds server listening on %s (mode %v)", socketAddr, fileMode)

	serv := &Server{
		l:      l,
		errCh:  make(chan error, 1),
		connCh: make(chan *Conn, 1),
	}
	go serv.accept()
	return serv, nil
}

// Addr is the path of the socket file.
func (s *Server) Addr() string {
	return s.l.Addr().String()
}

// Conn returns a channel that is populated with connection to the server. The channel is closed
// when the server's is no longer serving.
func (s *Server) Conn() chan *Conn {
	return s.connCh
}

// Close stops listening for connections on the socket. The listener unlinks the socket file
// when it closes.
func (s *Server) Close() error {
	return s.l.Close()
}

// Closed returns a channel that returns an error when the connection to the server is closed.
// This can be because you have called Close(), the socket had a read error or the socket file was
// removed. An io.EOF error will not be returned (as this is normal operation). Normally this is
// used to block and return the final status of the server.
func (s *Server) Closed() chan error {
	return s.errCh
}

func (s *Server) accept() {
	defer close(s.connCh)
	defer close(s.errCh)
	for {
		uc, err := s.l.AcceptUnix()
		if err != nil {
			s.l.Close()
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.errCh <- err
			}
			return
		}
		cred, err := readCreds(uc)
		if err != nil {
			log.Errorf("unable to read creds from socket client, rejecting conn: %s", err)
			uc.Close()
			continue
		}
		s.connCh <- &Conn{conn: uc, Cred: cred, oob: make([]byte, unix.CmsgSpace(maxRecvFDs*4))}
	}
}

// Client provides a UDS client for connecting to a UDS server. It is write oriented: it
// is what descriptor senders hold on to.
type Client struct {
	conn *net.UnixConn
}

// NewClient dials the socket at socketAddr. The path is validated before any syscall is made.
// Dial errors wrap the underlying *net.OpError so errors.Is() works with syscall.Errno values.
func NewClient(socketAddr string) (*Client, error) {
	if err := ValidatePath(socketAddr); err != nil {
		return nil, err
	}

	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketAddr, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("unable to dial socket(%s): %w", socketAddr, err)
	}
	return &Client{conn: uc}, nil
}

// UnixConn will return the underlying UnixConn object.
func (c *Client) UnixConn() *net.UnixConn {
	return c.conn
}

// WriteMsgUnix writes b with oob attached as ancillary data. On a stream socket n may be
// less than len(b); the ancillary data is always delivered with the first byte.
func (c *Client) WriteMsgUnix(b, oob []byte) (n, oobn int, err error) {
	return c.conn.WriteMsgUnix(b, oob, nil)
}

// Write implements io.Writer.Write(). This will block until it has written the buffer.
func (c *Client) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	return c.conn.Close()
}
