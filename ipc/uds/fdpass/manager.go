package fdpass

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/johnsiilver/fdpass/ipc/uds"

	log "github.com/golang/glog"
)

// MsgConn is a connected stream socket that can carry ancillary data. *uds.Client implements it.
type MsgConn interface {
	// WriteMsgUnix writes b with oob attached to the first byte. n may be short.
	WriteMsgUnix(b, oob []byte) (n, oobn int, err error)
	// Write writes b without ancillary data.
	Write(b []byte) (int, error)
	Close() error
}

// DialFunc connects to the socket at path.
type DialFunc func(path string) (MsgConn, error)

func dialUDS(path string) (MsgConn, error) {
	c, err := uds.NewClient(path)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// State is the lifecycle state of the Manager's connection.
type State int8

const (
	// Unconnected means no connection is cached.
	Unconnected State = 0
	// Connecting means a dial is in progress.
	Connecting State = 1
	// Live means a connection is cached and will be reused for its target.
	Live State = 2
	// Invalidated means the cached connection failed and was closed. The next Acquire() dials again.
	Invalidated State = 3
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "Unconnected"
	case Connecting:
		return "Connecting"
	case Live:
		return "Live"
	case Invalidated:
		return "Invalidated"
	}
	return fmt.Sprintf("State(%d)", int8(s))
}

// Manager owns at most one connection, to the last target it was asked for. The connection
// is never handed out; a Sender uses it while holding the Manager's lock for the whole
// acquire-then-send, so a reconnect can never interleave with an in flight write.
type Manager struct {
	dial  DialFunc
	watch bool
	set   *metrics.Set

	connectsCounter *metrics.Counter

	mu       sync.Mutex
	conn     MsgConn
	target   string
	state    State
	connects uint64
	watcher  *targetWatcher
}

// ManagerOption is an optional argument to NewManager.
type ManagerOption func(m *Manager)

// Dialer replaces how connections are made. Used to instrument or fake the socket.
func Dialer(d DialFunc) ManagerOption {
	return func(m *Manager) {
		m.dial = d
	}
}

// WatchTarget watches the target's socket file and invalidates the cached connection when
// the file is removed or replaced, which is what happens when the listener restarts.
func WatchTarget() ManagerOption {
	return func(m *Manager) {
		m.watch = true
	}
}

// ManagerMetrics registers the Manager's counters in set instead of a private set.
func ManagerMetrics(set *metrics.Set) ManagerOption {
	return func(m *Manager) {
		m.set = set
	}
}

// NewManager is the constructor for Manager.
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{dial: dialUDS}
	for _, o := range options {
		o(m)
	}
	if m.set == nil {
		m.set = metrics.NewSet()
	}
	m.connectsCounter = m.set.GetOrCreateCounter(metricConnects)
	return m
}

// Acquire makes sure a live connection to target is cached. A cached connection to the same
// target is reused; anything else is closed and a new connection is dialed.
func (m *Manager) Acquire(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.acquire(target)
	return err
}

// acquire must be called with mu held.
func (m *Manager) acquire(target string) (MsgConn, error) {
	if m.state == Live && m.conn != nil && m.target == target {
		return m.conn, nil
	}

	if m.conn != nil {
		log.V(1).Infof("fdpass: dropping connection to %s, now targeting %s", m.target, target)
		m.closeConn()
	}
	if m.target != target {
		m.stopWatch()
	}
	m.target = ""
	m.state = Unconnected

	if err := uds.ValidatePath(target); err != nil {
		return nil, connectErr(target, err)
	}

	m.state = Connecting
	m.connects++
	m.connectsCounter.Inc()
	conn, err := m.dial(target)
	if err != nil {
		m.state = Unconnected
		return nil, connectErr(target, err)
	}
	log.V(1).Infof("fdpass: connected to %s", target)

	m.conn = conn
	m.target = target
	m.state = Live

	if m.watch && m.watcher == nil {
		w, err := m.newTargetWatcher(target)
		if err != nil {
			log.Errorf("fdpass: cannot watch %s, stale connections will be found on send: %s", target, err)
		} else {
			m.watcher = w
		}
	}
	return conn, nil
}

// Invalidate marks the cached connection dead and closes it. Close errors are logged, not returned.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidate()
}

// invalidate must be called with mu held.
func (m *Manager) invalidate() {
	if m.conn == nil {
		return
	}
	log.V(1).Infof("fdpass: invalidating connection to %s", m.target)
	m.closeConn()
	m.state = Invalidated
}

func (m *Manager) closeConn() {
	if err := m.conn.Close(); err != nil {
		log.V(1).Infof("fdpass: error closing connection to %s: %s", m.target, err)
	}
	m.conn = nil
}

// Close closes the cached connection, if any, and forgets the target. Calling Close()
// more than once is safe.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopWatch()

	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
	}
	m.target = ""
	m.state = Unconnected
	return err
}

// State returns the current State of the connection.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the target of the cached connection, empty if there is none.
func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Connects is the number of connect attempts made. A reused connection does not count.
func (m *Manager) Connects() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// targetWatcher invalidates the Manager's connection when the socket file changes.
type targetWatcher struct {
	target  string
	watcher *fsnotify.Watcher
}

func (m *Manager) newTargetWatcher(target string) (*targetWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watching the directory lets us see the socket file being removed and created again.
	if err := fw.Add(filepath.Dir(target)); err != nil {
		fw.Close()
		return nil, err
	}

	tw := &targetWatcher{target: filepath.Clean(target), watcher: fw}
	go m.listen(tw)
	return tw, nil
}

func (m *Manager) listen(tw *targetWatcher) {
	for {
		select {
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != tw.target {
				continue
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			m.mu.Lock()
			if m.watcher == tw {
				log.V(1).Infof("fdpass: socket file %s changed (%s)", tw.target, event.Op)
				m.invalidate()
			}
			m.mu.Unlock()
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("fdpass: problem watching %s: %s", tw.target, err)
		}
	}
}

// stopWatch must be called with mu held.
func (m *Manager) stopWatch() {
	if m.watcher == nil {
		return
	}
	m.watcher.watcher.Close()
	m.watcher = nil
}
