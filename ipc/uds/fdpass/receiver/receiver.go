/*
Package receiver is the listening side of fdpass. It accepts connections on a Unix socket,
splits each stream into messages with the frame package and hands every message out with
the descriptors that came with it.

	r, err := receiver.New("/run/compositor.sock", frame.LengthPrefixed)
	if err != nil {
		// Do something
	}
	defer r.Close()

	for msg := range r.Messages() {
		files := msg.Files("dmabuf")
		...
	}

A sender attaches the descriptors of a message to its first sendmsg. A read can return the
tail of earlier data along with that sendmsg, but on Linux the read always stops once it has
taken data that carried rights. So the descriptors from a read belong to the message holding
the last byte of that read.
*/
package receiver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/johnsiilver/fdpass/ipc/uds"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/frame"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/payload"
	"golang.org/x/sys/unix"

	log "github.com/golang/glog"
)

// Message is a single received message.
type Message struct {
	Mode frame.Mode
	// Body is the token or payload. It is nil for Bare messages.
	Body []byte
	// FDs are the descriptors received with the message. They are owned by whoever
	// takes the Message from Messages() and must be closed by them.
	FDs []int
	// Cred is who sent the message.
	Cred uds.Cred
}

// Files wraps FDs in *os.File. Closing the files closes the descriptors.
func (m Message) Files(name string) []*os.File {
	files := make([]*os.File, 0, len(m.FDs))
	for i, fd := range m.FDs {
		files = append(files, os.NewFile(uintptr(fd), name+"-"+strconv.Itoa(i)))
	}
	return files
}

// Close closes all the descriptors in the Message.
func (m Message) Close() {
	for _, fd := range m.FDs {
		unix.Close(fd)
	}
}

// Decode decodes Body with codec into v.
func (m Message) Decode(codec payload.Codec, v interface{}) error {
	return codec.Unmarshal(m.Body, v)
}

// Receiver accepts connections and decodes messages from them.
type Receiver struct {
	serv *uds.Server
	dec  frame.Decoder

	uid, gid int
	fileMode os.FileMode
	bufSize  int
	set      *metrics.Set

	received *metrics.Counter
	fds      *metrics.Counter

	msgs chan Message
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.Mutex
	conns map[*uds.Conn]struct{}
}

// Option is an optional argument to New.
type Option func(r *Receiver)

// MaxSize is the largest token or payload accepted. A connection that sends a larger one is closed.
func MaxSize(n int) Option {
	return func(r *Receiver) {
		r.dec.MaxSize = n
	}
}

// Buffer sets how many messages can wait in Messages() before connections stop being read.
func Buffer(n int) Option {
	return func(r *Receiver) {
		r.bufSize = n
	}
}

// FileMode is the mode of the socket file. Defaults to 0770.
func FileMode(mode os.FileMode) Option {
	return func(r *Receiver) {
		r.fileMode = mode
	}
}

// Owner chowns the socket file. By default the owner is left as is.
func Owner(uid, gid int) Option {
	return func(r *Receiver) {
		r.uid = uid
		r.gid = gid
	}
}

// Metrics registers the Receiver's counters in set.
func Metrics(set *metrics.Set) Option {
	return func(r *Receiver) {
		r.set = set
	}
}

// New listens on socketAddr and decodes messages framed with mode.
func New(socketAddr string, mode frame.Mode, options ...Option) (*Receiver, error) {
	r := &Receiver{
		dec:      frame.Decoder{Mode: mode},
		uid:      -1,
		gid:      -1,
		fileMode: 0770,
		bufSize:  16,
		done:     make(chan struct{}),
		conns:    map[*uds.Conn]struct{}{},
	}
	for _, o := range options {
		o(r)
	}
	if r.set == nil {
		r.set = metrics.NewSet()
	}
	r.received = r.set.GetOrCreateCounter("fdpass_received_messages_total")
	r.fds = r.set.GetOrCreateCounter("fdpass_received_fds_total")
	r.msgs = make(chan Message, r.bufSize)

	serv, err := uds.NewServer(socketAddr, r.uid, r.gid, r.fileMode)
	if err != nil {
		return nil, fmt.Errorf("receiver could not listen: %w", err)
	}
	r.serv = serv

	r.wg.Add(1)
	go r.accept()

	go func() {
		r.wg.Wait()
		close(r.msgs)
	}()
	return r, nil
}

// Addr is the path of the socket.
func (r *Receiver) Addr() string {
	return r.serv.Addr()
}

// Messages returns the channel messages are delivered on. It is closed after Close() once
// every connection has stopped.
func (r *Receiver) Messages() <-chan Message {
	return r.msgs
}

// Close stops listening, closes all open connections and removes the socket file. Messages
// not yet taken from Messages() keep their descriptors open; drain the channel to close them.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.serv.Close()

		r.mu.Lock()
		for c := range r.conns {
			c.Close()
		}
		r.mu.Unlock()
	})
	return err
}

func (r *Receiver) accept() {
	defer r.wg.Done()

	for conn := range r.serv.Conn() {
		r.mu.Lock()
		select {
		case <-r.done:
			r.mu.Unlock()
			conn.Close()
			continue
		default:
		}
		r.conns[conn] = struct{}{}
		r.wg.Add(1)
		r.mu.Unlock()

		log.V(1).Infof("receiver: connection from pid %d uid %d", conn.Cred.PID, conn.Cred.UID)
		go r.serve(conn)
	}
	if err := <-r.serv.Closed(); err != nil {
		log.Errorf("receiver: stopped accepting: %s", err)
	}
}

// fdChunk are descriptors that arrived with a read whose last byte is at stream offset at.
type fdChunk struct {
	at  int64
	fds []int
}

func (r *Receiver) serve(conn *uds.Conn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	var (
		rbuf    = make([]byte, 64*1024)
		buf     []byte
		off     int64 // Stream offset of buf[0].
		pending []fdChunk
	)
	defer func() {
		for _, c := range pending {
			closeAll(c.fds)
		}
	}()

	for {
		n, fds, err := conn.ReadMsg(rbuf)
		if n < 0 {
			n = 0
		}
		if len(fds) > 0 {
			at := off + int64(len(buf))
			if n > 0 {
				at += int64(n - 1)
			}
			pending = append(pending, fdChunk{at: at, fds: fds})
		}
		buf = append(buf, rbuf[:n]...)

		consumed := 0
		for consumed < len(buf) {
			body, used, derr := r.dec.Next(buf[consumed:])
			if errors.Is(derr, frame.ErrIncomplete) {
				break
			}
			if derr != nil {
				log.Errorf("receiver: closing connection from pid %d: %s", conn.Cred.PID, derr)
				return
			}

			end := off + int64(consumed+used)
			msg := Message{Mode: r.dec.Mode, Cred: conn.Cred}
			if body != nil {
				msg.Body = append([]byte{}, body...)
			}
			pending, msg.FDs = claim(pending, end)
			consumed += used

			if !r.deliver(msg) {
				return
			}
		}
		buf = append(buf[:0], buf[consumed:]...)
		off += int64(consumed)

		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Errorf("receiver: read error from pid %d: %s", conn.Cred.PID, err)
			}
			if len(buf) > 0 {
				log.Errorf("receiver: connection from pid %d closed with %d bytes of a partial message", conn.Cred.PID, len(buf))
			}
			return
		}
	}
}

// claim removes the chunks whose read ended before end and returns their descriptors.
func claim(pending []fdChunk, end int64) ([]fdChunk, []int) {
	var fds []int
	i := 0
	for ; i < len(pending) && pending[i].at < end; i++ {
		fds = append(fds, pending[i].fds...)
	}
	return pending[i:], fds
}

func (r *Receiver) deliver(msg Message) bool {
	select {
	case r.msgs <- msg:
		r.received.Inc()
		r.fds.Add(len(msg.FDs))
		return true
	case <-r.done:
		msg.Close()
		return false
	}
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
