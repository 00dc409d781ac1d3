/*
Package fdpass sends open file descriptors, with an optional payload, to another process
over a Unix domain socket.

A Sender keeps one connection to the last target it sent to and reuses it. When a send
fails the connection is thrown away, a new one is made and the send is retried exactly once.

	s := fdpass.New()
	defer s.Close()

	f, _ := os.Open("frame.raw")
	defer f.Close() // The Sender never closes or duplicates the descriptors it sends.

	if err := s.SendFD("/run/compositor.sock", int(f.Fd())); err != nil {
		var te *fdpass.TransferError
		if errors.As(err, &te) && te.Kind == fdpass.Connect {
			// Nobody is listening, te.Connect.Kind says why.
		}
	}

Structured sends carry a length prefixed payload, usually JSON, with zero or more descriptors:

	err := s.SendJSON(path, map[string]int{"width": 1920, "height": 1080}, dmabufFD)

See the frame package for the wire format and the receiver package for the listening side.

Calls block until the kernel has taken the whole message. No timeout is applied, a peer
that stops reading blocks the sender. A Sender is safe for concurrent use; sends are
serialized.
*/
package fdpass

import (
	"encoding/json"
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/frame"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/payload"
	"github.com/johnsiilver/fdpass/statemachine"

	log "github.com/golang/glog"
)

// DefaultMaxZeroWrites is how many writes in a row may make no progress before a send fails
// with PartialWriteExhausted.
const DefaultMaxZeroWrites = 8

// Sender sends descriptors to Unix socket targets.
type Sender struct {
	mgr           *Manager
	mgrOpts       []ManagerOption
	maxZeroWrites int
	set           *metrics.Set
	stats         *stats

	// trace is protected by mgr.mu.
	trace []string
}

// Option is an optional argument to New.
type Option func(s *Sender)

// WithManager uses m instead of a Manager created by New. Ignores ManagerOptions passed with Manage().
func WithManager(m *Manager) Option {
	return func(s *Sender) {
		s.mgr = m
	}
}

// Manage passes options to the Manager created by New.
func Manage(options ...ManagerOption) Option {
	return func(s *Sender) {
		s.mgrOpts = append(s.mgrOpts, options...)
	}
}

// MaxZeroWrites changes DefaultMaxZeroWrites for this Sender.
func MaxZeroWrites(n int) Option {
	return func(s *Sender) {
		s.maxZeroWrites = n
	}
}

// Metrics registers the Sender's counters in set. Use set.WritePrometheus() to export them.
func Metrics(set *metrics.Set) Option {
	return func(s *Sender) {
		s.set = set
	}
}

// New is the constructor for Sender.
func New(options ...Option) *Sender {
	s := &Sender{maxZeroWrites: DefaultMaxZeroWrites}
	for _, o := range options {
		o(s)
	}
	if s.maxZeroWrites <= 0 {
		s.maxZeroWrites = DefaultMaxZeroWrites
	}
	if s.set == nil {
		s.set = metrics.NewSet()
	}
	if s.mgr == nil {
		s.mgr = NewManager(append([]ManagerOption{ManagerMetrics(s.set)}, s.mgrOpts...)...)
	}
	s.stats = newStats(s.set)
	return s
}

// Manager returns the Manager holding the Sender's connection.
func (s *Sender) Manager() *Manager {
	return s.mgr
}

// MetricsSet returns the set the Sender's counters are registered in.
func (s *Sender) MetricsSet() *metrics.Set {
	return s.set
}

// Connects is the number of connect attempts the Sender's Manager has made.
func (s *Sender) Connects() uint64 {
	return s.mgr.Connects()
}

// Close closes the cached connection. The Sender can still be used; the next send reconnects.
func (s *Sender) Close() error {
	return s.mgr.Close()
}

// Trace returns the steps the last Send() went through, such as
// [build acquire write invalidate acquire write].
func (s *Sender) Trace() []string {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	out := make([]string, len(s.trace))
	copy(out, s.trace)
	return out
}

// Send delivers req to target. The descriptors in req remain owned by the caller, who
// decides when to close them; the receiving process gets its own duplicates.
//
// A malformed req fails with a *frame.Error before any I/O. Other failures are a *TransferError.
// On a write failure the connection is dropped, a new one is made and the send is retried once.
func (s *Sender) Send(target string, req frame.Request) error {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	t := &transfer{s: s, target: target, req: req}
	exec := statemachine.New(
		"fdpass",
		t.build,
		statemachine.MaxSteps(16),
		statemachine.LogFacility(log.V(2).Infof),
	)
	exec.Log(bool(log.V(2)))

	err := exec.Execute()
	s.trace = exec.Nodes()
	if err != nil {
		if _, ok := err.(*frame.Error); !ok {
			s.stats.sendErrors.Inc()
		}
		return err
	}
	s.stats.sends.Inc()
	s.stats.bytes.Add(len(t.msg.Body))
	return nil
}

// SendFD sends a single descriptor with a one byte placeholder body.
func (s *Sender) SendFD(target string, fd int) error {
	return s.Send(target, frame.Request{Mode: frame.Bare, FDs: []int{fd}})
}

// SendToken sends a descriptor with a token. The receiver sees the token as one line.
func (s *Sender) SendToken(target, token string, fd int) error {
	return s.Send(target, frame.Request{Mode: frame.Token, FDs: []int{fd}, Payload: []byte(token)})
}

// SendPayload sends b length prefixed, with zero or more descriptors.
func (s *Sender) SendPayload(target string, b []byte, fds ...int) error {
	return s.Send(target, frame.Request{Mode: frame.LengthPrefixed, FDs: fds, Payload: b})
}

// SendJSON sends v as a length prefixed JSON payload. A string, []byte or json.RawMessage is
// sent as is, anything else is marshaled.
func (s *Sender) SendJSON(target string, v interface{}, fds ...int) error {
	switch t := v.(type) {
	case string:
		return s.SendPayload(target, []byte(t), fds...)
	case []byte:
		return s.SendPayload(target, t, fds...)
	case json.RawMessage:
		return s.SendPayload(target, t, fds...)
	}
	return s.SendValue(target, payload.JSON, v, fds...)
}

// SendValue encodes v with codec and sends it as a length prefixed payload.
func (s *Sender) SendValue(target string, codec payload.Codec, v interface{}, fds ...int) error {
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return s.SendPayload(target, b, fds...)
}

// Heartbeat sends an empty length prefixed message with no descriptors.
func (s *Sender) Heartbeat(target string) error {
	return s.SendPayload(target, nil)
}

// transfer is one call to Send(). Each method is a statemachine.StateFn.
type transfer struct {
	s      *Sender
	target string
	req    frame.Request
	msg    frame.Message

	conn    MsgConn
	sent    int
	retried bool

	failOp    string
	failErr   error
	exhausted bool
}

// build runs before acquire so a malformed request never causes I/O.
func (t *transfer) build() (statemachine.StateFn, error) {
	msg, err := frame.Build(t.req)
	if err != nil {
		return nil, err
	}
	t.msg = msg
	return t.acquire, nil
}

func (t *transfer) acquire() (statemachine.StateFn, error) {
	conn, err := t.s.mgr.acquire(t.target)
	if err != nil {
		ce := err.(*ConnectError)
		return nil, &TransferError{Kind: Connect, Path: t.target, Op: ce.Op, Connect: ce, Err: ce.Err}
	}
	t.conn = conn
	t.sent = 0
	return t.write, nil
}

func (t *transfer) write() (statemachine.StateFn, error) {
	n, _, err := t.conn.WriteMsgUnix(t.msg.Body, t.msg.OOB)
	if err != nil {
		return t.fail("sendmsg", err, false)
	}
	if n <= 0 {
		// Nothing went out, so we can't know the rights did.
		return t.fail("sendmsg", io.ErrShortWrite, false)
	}
	t.sent = n
	if t.sent < len(t.msg.Body) {
		return t.flush, nil
	}
	return nil, nil
}

// flush writes what is left of the body after a short sendmsg. The rights went with the
// first chunk, so this is a plain write.
func (t *transfer) flush() (statemachine.StateFn, error) {
	zero := 0
	for t.sent < len(t.msg.Body) {
		n, err := t.conn.Write(t.msg.Body[t.sent:])
		t.sent += n
		if err != nil {
			return t.fail("write", err, false)
		}
		if n > 0 {
			zero = 0
			continue
		}
		zero++
		if zero >= t.s.maxZeroWrites {
			return t.fail("write", io.ErrShortWrite, true)
		}
	}
	return nil, nil
}

func (t *transfer) fail(op string, err error, exhausted bool) (statemachine.StateFn, error) {
	t.failOp = op
	t.failErr = err
	t.exhausted = exhausted
	log.V(1).Infof("fdpass: %s to %s failed after %d/%d bytes: %s", op, t.target, t.sent, len(t.msg.Body), err)
	return t.invalidate, nil
}

// invalidate drops the connection and either retries or gives up.
func (t *transfer) invalidate() (statemachine.StateFn, error) {
	t.s.mgr.invalidate()
	t.conn = nil

	if t.retried {
		kind := Send
		if t.exhausted {
			kind = PartialWriteExhausted
		}
		return nil, &TransferError{Kind: kind, Path: t.target, Op: t.failOp, Err: t.failErr}
	}
	t.retried = true
	t.s.stats.reconnects.Inc()
	return t.acquire, nil
}
