/*
Package statemachine provides a generalized state machine. It is based on a talk by Rob Pike.

This statemachine does not use a state type to go from state to state, but instead uses state
functions to determine the next state to execute directly. The path an execution took can be
read back with Executor.Nodes().

Example usage:
	type send struct{}

	func (s *send) Acquire() (statemachine.StateFn, error) {
		...
		return s.Write, nil
	}

	func (s *send) Write() (statemachine.StateFn, error) {
		...
		return nil, nil
	}

	s := &send{}
	exec := statemachine.New("send", s.Acquire)
	if err := exec.Execute(); err != nil {
		// Do something with the error.
	}

If you would like to have a running diagnostic mixed with your other logs:
	exec := statemachine.New("send", s.Acquire, statemachine.LogFacility(glog.Infof))
	exec.Log(true)
*/
package statemachine

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// ErrMaxSteps is returned by Execute() when the machine ran more StateFn's than MaxSteps allows.
var ErrMaxSteps = errors.New("statemachine: exceeded the maximum number of steps")

// StateFn represents a function that executes at a given state. It returns the next StateFn
// to run, or nil to stop.
type StateFn func() (StateFn, error)

// LogFn represents some logging function to handle logging when Executor.Log(true) is set. It should do
// variable substituion similar to fmt.Sprintf() does.
type LogFn func(s string, i ...interface{})

// Executor provides methods for executing a state machine. These methods are not thread safe.
type Executor interface {
	// Execute executes the statemachine. It stops the first time a StateFn returns an error or returns "nil" for the returned
	// StateFn. If the last StateFn returned an error, Execute returns it. Execute() clears the internal state and calls
	// the function provided by the Reset option, if provided.
	Execute() error

	// Nodes returns a list of the StateFn's that were executed during the last call to Execute().
	Nodes() []string

	// Log turns on/off detailed logging of the execution state. To use this you must have provided New() with the LogFacility() option.
	Log(b bool)
}

// Option provides an optional argument for New().
type Option func(e *executor)

// Reset provides a function that is called at the start of every Execute(). This function should reset any data
// needed by StateFn's used in the Executor.
func Reset(f func()) Option {
	return func(e *executor) {
		e.resetFn = f
	}
}

// LogFacility sets up the internal log function for Executor for when Executor.Log(true) is called.
func LogFacility(l LogFn) Option {
	return func(e *executor) {
		e.logger = l
	}
}

// MaxSteps stops an execution that runs more than n StateFn's with ErrMaxSteps. This protects
// against a cycle in the StateFn's looping forever. 0 means no limit.
func MaxSteps(n int) Option {
	return func(e *executor) {
		e.maxSteps = n
	}
}

// New is the constructor for Executor. "start" is the StateFn that is first called when Executor.Execute() is called.
// "name" is used to prepend logging messages as a unique identifier.
func New(name string, start StateFn, opts ...Option) Executor {
	e := &executor{name: name, startFn: start}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// executor implements Executor.
type executor struct {
	name     string
	startFn  StateFn
	maxSteps int
	resetFn  func()
	logger   LogFn

	// mu protects everything below.
	mu    sync.Mutex
	nodes []string
	logOn bool
}

// Execute implements Executor.Execute.
func (e *executor) Execute() error {
	e.reset()

	f := e.startFn
	var err error
	for steps := 1; ; steps++ {
		if e.maxSteps > 0 && steps > e.maxSteps {
			e.log("Execute() stopped after %d steps", e.maxSteps)
			return ErrMaxSteps
		}

		f, err = e.fnWrapper(f)
		switch {
		case err != nil:
			e.log("Execute() completed with an error: %q", err)
			return err
		case f == nil:
			e.log("Execute() completed with no issues: %s", strings.Join(e.Nodes(), " -> "))
			return nil
		}
	}
}

func (e *executor) reset() {
	e.mu.Lock()
	e.nodes = e.nodes[:0]
	e.mu.Unlock()

	if e.resetFn != nil {
		e.resetFn()
	}
}

// fnWrapper does some internal tracking before execute "f".
func (e *executor) fnWrapper(f StateFn) (StateFn, error) {
	name := fNameScrub(f)

	e.mu.Lock()
	e.nodes = append(e.nodes, name)
	e.mu.Unlock()

	e.log("StateFn(%s) starting", name)
	return f()
}

// Nodes implements Executor.Nodes(). The returned slice is a copy.
func (e *executor) Nodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, len(e.nodes))
	copy(out, e.nodes)
	return out
}

// Log implements Executor.Log().
func (e *executor) Log(b bool) {
	if e.logger == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.logOn = b
}

func (e *executor) log(s string, i ...interface{}) {
	e.mu.Lock()
	on := e.logOn
	e.mu.Unlock()

	if on && e.logger != nil {
		e.logger(fmt.Sprintf("StateMachine[%s]: %s", e.name, s), i...)
	}
}

// fNameScrub gets the name of funtion "f", removes package information and trailing stuff we
// don't care about and returns it.
func fNameScrub(f StateFn) string {
	v := reflect.ValueOf(f)
	pc := runtime.FuncForPC(v.Pointer())
	return fScrub(pc.Name())
}

// fScrub does the actual name scrub for fNameScrub. It is split out to allow the tests to scrub
// the name. The tests use a different way to get the function name.
func fScrub(s string) string {
	sp := strings.SplitAfter(s, ".")
	return strings.TrimSuffix(sp[len(sp)-1], "-fm")
}
