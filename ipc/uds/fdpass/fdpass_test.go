package fdpass

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/frame"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/payload"
	"github.com/johnsiilver/fdpass/ipc/uds/fdpass/receiver"
	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sys/unix"
)

func socketAddr() string {
	return filepath.Join(os.TempDir(), uuid.New().String())
}

func next(t *testing.T, r *receiver.Receiver) receiver.Message {
	t.Helper()
	select {
	case msg, ok := <-r.Messages():
		if !ok {
			t.Fatalf("receiver closed before a message arrived")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a message")
	}
	return receiver.Message{}
}

func newReceiver(t *testing.T, addr string, mode frame.Mode) *receiver.Receiver {
	t.Helper()
	r, err := receiver.New(addr, mode)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func closeReceiver(r *receiver.Receiver) {
	r.Close()
	for msg := range r.Messages() {
		msg.Close()
	}
}

func TestRoundTrip(t *testing.T) {
	addr := socketAddr()
	rcv := newReceiver(t, addr, frame.Bare)
	defer closeReceiver(rcv)

	s := New()
	defer s.Close()

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()

	if err := s.SendFD(addr, int(pw.Fd())); err != nil {
		t.Fatalf("TestRoundTrip: SendFD(): %s", err)
	}

	msg := next(t, rcv)
	if len(msg.FDs) != 1 {
		t.Fatalf("TestRoundTrip: got %d fds, want 1", len(msg.FDs))
	}
	dup := msg.Files("pipe")[0]
	defer dup.Close()

	if _, err := dup.Write([]byte("through the duplicate")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len("through the duplicate"))
	if _, err := io.ReadFull(pr, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "through the duplicate" {
		t.Errorf("TestRoundTrip: read %q, want %q", got, "through the duplicate")
	}

	// The caller still owns the descriptor it sent.
	if _, err := pw.Write([]byte("x")); err != nil {
		t.Errorf("TestRoundTrip: the sent descriptor was closed: %s", err)
	}
}

func TestReuse(t *testing.T) {
	addr := socketAddr()
	rcv := newReceiver(t, addr, frame.Token)
	defer closeReceiver(rcv)

	s := New()
	defer s.Close()

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	for _, tok := range []string{"frame-1", "frame-2"} {
		if err := s.SendToken(addr, tok, int(f.Fd())); err != nil {
			t.Fatalf("TestReuse: SendToken(%s): %s", tok, err)
		}
		msg := next(t, rcv)
		msg.Close()
		if string(msg.Body) != tok {
			t.Errorf("TestReuse: got token %q, want %q", msg.Body, tok)
		}
		if len(msg.FDs) != 1 {
			t.Errorf("TestReuse: got %d fds with %s, want 1", len(msg.FDs), tok)
		}
	}

	if s.Connects() != 1 {
		t.Errorf("TestReuse: got %d connects, want 1", s.Connects())
	}
	if diff := pretty.Compare([]string{"build", "acquire", "write"}, s.Trace()); diff != "" {
		t.Errorf("TestReuse: trace -want/+got:\n%s", diff)
	}
	if s.Manager().State() != Live {
		t.Errorf("TestReuse: got state %s, want %s", s.Manager().State(), Live)
	}
}

func TestReconnectOnFailure(t *testing.T) {
	addr := socketAddr()
	rcv := newReceiver(t, addr, frame.LengthPrefixed)

	s := New()
	defer s.Close()

	if err := s.SendJSON(addr, "first"); err != nil {
		t.Fatal(err)
	}
	next(t, rcv)

	// The peer goes away and a new listener takes its place.
	closeReceiver(rcv)
	rcv = newReceiver(t, addr, frame.LengthPrefixed)
	defer closeReceiver(rcv)

	if err := s.SendJSON(addr, "second"); err != nil {
		t.Fatalf("TestReconnectOnFailure: %s", err)
	}
	msg := next(t, rcv)
	if string(msg.Body) != "second" {
		t.Errorf("TestReconnectOnFailure: got %q, want %q", msg.Body, "second")
	}

	if s.Connects() != 2 {
		t.Errorf("TestReconnectOnFailure: got %d connects, want 2", s.Connects())
	}
	want := []string{"build", "acquire", "write", "invalidate", "acquire", "write"}
	if diff := pretty.Compare(want, s.Trace()); diff != "" {
		t.Errorf("TestReconnectOnFailure: trace -want/+got:\n%s", diff)
	}
}

func TestStructuredOnTheWire(t *testing.T) {
	addr := socketAddr()
	rcv := newReceiver(t, addr, frame.LengthPrefixed)
	defer closeReceiver(rcv)

	s := New()
	defer s.Close()

	if err := s.SendJSON(addr, map[string]int{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Heartbeat(addr); err != nil {
		t.Fatal(err)
	}

	msg := next(t, rcv)
	if string(msg.Body) != "{}" || len(msg.FDs) != 0 {
		t.Errorf("TestStructuredOnTheWire: got body %q with %d fds, want {} with 0", msg.Body, len(msg.FDs))
	}
	msg = next(t, rcv)
	if len(msg.Body) != 0 || len(msg.FDs) != 0 {
		t.Errorf("TestStructuredOnTheWire(heartbeat): got body %q with %d fds, want empty", msg.Body, len(msg.FDs))
	}
}

func TestMultipleDescriptors(t *testing.T) {
	addr := socketAddr()
	rcv := newReceiver(t, addr, frame.LengthPrefixed)
	defer closeReceiver(rcv)

	s := New()
	defer s.Close()

	var pipes []*os.File
	var fds []int
	for i := 0; i < 3; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		defer w.Close()
		pipes = append(pipes, r)
		fds = append(fds, int(w.Fd()))
	}

	type planes struct {
		Count int `cbor:"count"`
	}
	if err := s.SendValue(addr, payload.CBOR, planes{Count: 3}, fds...); err != nil {
		t.Fatal(err)
	}

	msg := next(t, rcv)
	got := planes{}
	if err := msg.Decode(payload.CBOR, &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != 3 {
		t.Errorf("TestMultipleDescriptors: got count %d, want 3", got.Count)
	}
	if len(msg.FDs) != 3 {
		t.Fatalf("TestMultipleDescriptors: got %d fds, want 3", len(msg.FDs))
	}

	// Order is kept: the i'th received descriptor writes into the i'th pipe.
	for i, f := range msg.Files("plane") {
		fmt.Fprintf(f, "%d", i)
		f.Close()
		b := make([]byte, 1)
		if _, err := io.ReadFull(pipes[i], b); err != nil {
			t.Fatal(err)
		}
		if string(b) != fmt.Sprint(i) {
			t.Errorf("TestMultipleDescriptors: pipe %d got %q", i, b)
		}
	}
}

// countingDialer counts dials and hands out the conns made by mk.
type countingDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	mk    func() *fakeConn
}

func (c *countingDialer) dial(path string) (MsgConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dials++
	fc := c.mk()
	c.conns = append(c.conns, fc)
	return fc, nil
}

// fakeConn records what is written. firstN limits how much WriteMsgUnix takes, chunk how
// much each Write takes. A chunk of 0 makes no progress.
type fakeConn struct {
	firstN int
	chunk  int
	msgErr error

	body   []byte
	oobs   [][]byte
	closed bool
}

func (f *fakeConn) WriteMsgUnix(b, oob []byte) (int, int, error) {
	if f.msgErr != nil {
		return 0, 0, f.msgErr
	}
	n := len(b)
	if f.firstN > 0 && f.firstN < n {
		n = f.firstN
	}
	f.body = append(f.body, b[:n]...)
	f.oobs = append(f.oobs, oob)
	return n, len(oob), nil
}

func (f *fakeConn) Write(b []byte) (int, error) {
	n := f.chunk
	if n > len(b) {
		n = len(b)
	}
	f.body = append(f.body, b[:n]...)
	return n, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestPartialWrite(t *testing.T) {
	cd := &countingDialer{mk: func() *fakeConn { return &fakeConn{firstN: 2, chunk: 1} }}
	s := New(Manage(Dialer(cd.dial)))

	if err := s.SendPayload("/fake", []byte("abcdef"), 9); err != nil {
		t.Fatalf("TestPartialWrite: %s", err)
	}

	fc := cd.conns[0]
	if !bytes.Equal(fc.body, []byte{0, 0, 0, 6, 'a', 'b', 'c', 'd', 'e', 'f'}) {
		t.Errorf("TestPartialWrite: got body % x", fc.body)
	}
	if len(fc.oobs) != 1 || !bytes.Equal(fc.oobs[0], unix.UnixRights(9)) {
		t.Errorf("TestPartialWrite: rights must go out once with the first chunk, got %d sendmsg calls", len(fc.oobs))
	}
	if diff := pretty.Compare([]string{"build", "acquire", "write", "flush"}, s.Trace()); diff != "" {
		t.Errorf("TestPartialWrite: trace -want/+got:\n%s", diff)
	}
}

func TestPartialWriteExhausted(t *testing.T) {
	cd := &countingDialer{mk: func() *fakeConn { return &fakeConn{firstN: 1, chunk: 0} }}
	s := New(Manage(Dialer(cd.dial)), MaxZeroWrites(3))

	err := s.SendPayload("/fake", []byte("abc"))
	te := &TransferError{}
	if !errors.As(err, &te) {
		t.Fatalf("TestPartialWriteExhausted: got err == %v, want *TransferError", err)
	}
	if te.Kind != PartialWriteExhausted {
		t.Errorf("TestPartialWriteExhausted: got kind %s, want %s", te.Kind, PartialWriteExhausted)
	}
	if cd.dials != 2 {
		t.Errorf("TestPartialWriteExhausted: got %d dials, want 2", cd.dials)
	}
	for i, fc := range cd.conns {
		if !fc.closed {
			t.Errorf("TestPartialWriteExhausted: conn %d was not closed", i)
		}
	}
	want := []string{"build", "acquire", "write", "flush", "invalidate", "acquire", "write", "flush", "invalidate"}
	if diff := pretty.Compare(want, s.Trace()); diff != "" {
		t.Errorf("TestPartialWriteExhausted: trace -want/+got:\n%s", diff)
	}
}

func TestSendFailsAfterOneRetry(t *testing.T) {
	cd := &countingDialer{mk: func() *fakeConn { return &fakeConn{msgErr: unix.EPIPE} }}
	s := New(Manage(Dialer(cd.dial)))

	err := s.SendFD("/fake", 1)
	te := &TransferError{}
	if !errors.As(err, &te) {
		t.Fatalf("TestSendFailsAfterOneRetry: got err == %v, want *TransferError", err)
	}
	if te.Kind != Send || te.Op != "sendmsg" || te.Errno() != unix.EPIPE {
		t.Errorf("TestSendFailsAfterOneRetry: got kind %s op %s errno %v, want send/sendmsg/EPIPE", te.Kind, te.Op, te.Errno())
	}
	if !errors.Is(err, unix.EPIPE) {
		t.Errorf("TestSendFailsAfterOneRetry: errors.Is(err, EPIPE) == false")
	}
	if cd.dials != 2 {
		t.Errorf("TestSendFailsAfterOneRetry: got %d dials, want exactly 2", cd.dials)
	}
	if s.Manager().State() != Invalidated {
		t.Errorf("TestSendFailsAfterOneRetry: got state %s, want %s", s.Manager().State(), Invalidated)
	}
}

func TestPreconditions(t *testing.T) {
	cd := &countingDialer{mk: func() *fakeConn { return &fakeConn{} }}
	s := New(Manage(Dialer(cd.dial)))

	long := "/" + strings.Repeat("s", 120)
	err := s.SendFD(long, 1)
	te := &TransferError{}
	if !errors.As(err, &te) || te.Kind != Connect {
		t.Fatalf("TestPreconditions(long path): got err == %v, want a connect *TransferError", err)
	}
	if te.Connect.Kind != PathTooLong {
		t.Errorf("TestPreconditions(long path): got kind %s, want %s", te.Connect.Kind, PathTooLong)
	}

	err = s.Send("/fake", frame.Request{Mode: frame.Bare})
	if !frame.IsKind(err, frame.MissingDescriptors) {
		t.Errorf("TestPreconditions(bare, no fds): got err == %v, want MissingDescriptors", err)
	}
	if diff := pretty.Compare([]string{"build"}, s.Trace()); diff != "" {
		t.Errorf("TestPreconditions(bare, no fds): trace -want/+got:\n%s", diff)
	}

	if cd.dials != 0 {
		t.Errorf("TestPreconditions: got %d dials, want 0", cd.dials)
	}
}

func TestConnectErrors(t *testing.T) {
	dir, err := os.MkdirTemp("", "fdpass")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s := New()
	defer s.Close()

	err = s.SendFD(filepath.Join(dir, "nobody"), 1)
	te := &TransferError{}
	if !errors.As(err, &te) || te.Connect == nil {
		t.Fatalf("TestConnectErrors: got err == %v, want a connect *TransferError", err)
	}
	if te.Connect.Kind != NoListener {
		t.Errorf("TestConnectErrors: got kind %s, want %s", te.Connect.Kind, NoListener)
	}
	if te.Connect.Errno() != unix.ENOENT {
		t.Errorf("TestConnectErrors: got errno %v, want ENOENT", te.Connect.Errno())
	}
	if !strings.Contains(err.Error(), "nobody") {
		t.Errorf("TestConnectErrors: error %q does not name the target", err)
	}
}

func TestTargetChange(t *testing.T) {
	cd := &countingDialer{mk: func() *fakeConn { return &fakeConn{} }}
	s := New(Manage(Dialer(cd.dial)))

	if err := s.SendFD("/a", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.SendFD("/b", 1); err != nil {
		t.Fatal(err)
	}
	if cd.dials != 2 {
		t.Errorf("TestTargetChange: got %d dials, want 2", cd.dials)
	}
	if !cd.conns[0].closed || cd.conns[1].closed {
		t.Errorf("TestTargetChange: the connection to /a must be closed and /b kept")
	}
	if s.Manager().Target() != "/b" {
		t.Errorf("TestTargetChange: got target %q, want /b", s.Manager().Target())
	}
}

func TestIdempotentClose(t *testing.T) {
	cd := &countingDialer{mk: func() *fakeConn { return &fakeConn{} }}
	s := New(Manage(Dialer(cd.dial)))

	if err := s.SendFD("/a", 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Close(); err != nil {
			t.Errorf("TestIdempotentClose: Close() #%d: %s", i, err)
		}
		if s.Manager().State() != Unconnected {
			t.Errorf("TestIdempotentClose: got state %s, want %s", s.Manager().State(), Unconnected)
		}
	}
	if s.Manager().Target() != "" {
		t.Errorf("TestIdempotentClose: target was not cleared")
	}
}

func TestConcurrentSends(t *testing.T) {
	addr := socketAddr()
	rcv := newReceiver(t, addr, frame.LengthPrefixed)
	defer closeReceiver(rcv)

	s := New()
	defer s.Close()

	const senders = 10
	wg := sync.WaitGroup{}
	for i := 0; i < senders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.SendJSON(addr, map[string]int{"id": i}); err != nil {
				t.Errorf("TestConcurrentSends: sender %d: %s", i, err)
			}
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < senders; i++ {
		msg := next(t, rcv)
		v := map[string]int{}
		if err := msg.Decode(payload.JSON, &v); err != nil {
			t.Fatalf("TestConcurrentSends: message was interleaved: %s", err)
		}
		seen[v["id"]] = true
	}
	if len(seen) != senders {
		t.Errorf("TestConcurrentSends: got %d distinct messages, want %d", len(seen), senders)
	}
	if s.Connects() != 1 {
		t.Errorf("TestConcurrentSends: got %d connects, want 1", s.Connects())
	}
}

func TestMetrics(t *testing.T) {
	cd := &countingDialer{mk: func() *fakeConn { return &fakeConn{} }}
	s := New(Manage(Dialer(cd.dial)))

	for i := 0; i < 2; i++ {
		if err := s.SendFD("/a", 1); err != nil {
			t.Fatal(err)
		}
	}

	buf := &bytes.Buffer{}
	s.MetricsSet().WritePrometheus(buf)
	for _, want := range []string{"fdpass_sends_total 2", "fdpass_connects_total 1", "fdpass_bytes_sent_total 2"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("TestMetrics: output missing %q:\n%s", want, buf.String())
		}
	}
}
