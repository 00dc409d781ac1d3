/*
Package cuda resolves CUDA driver API entry points at runtime instead of linking against
libcuda, so binaries that never touch the GPU still start on machines without a driver.

Entry points are looked up by name the first time they are asked for and cached after that,
including lookups that failed. A missing entry point is a *CapabilityError and never a crash.

	syms, err := cuda.Open(cuda.DefaultLibrary)
	if err != nil {
		// No driver, run without interop.
	}
	if err := syms.Require(cuda.EGLInterop...); err != nil {
		// Driver is too old for EGL interop.
	}

Build with "-tags cuda" on Linux to get a dlopen based Library. The default build can only
use a Library supplied by the caller.
*/
package cuda

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/golang/glog"
)

// DefaultLibrary is the soname of the driver API.
const DefaultLibrary = "libcuda.so.1"

// Entry points used for context setup, graphics interop and descriptor based memory sharing.
const (
	Init                         = "cuInit"
	DeviceGet                    = "cuDeviceGet"
	CtxCreate                    = "cuCtxCreate_v2"
	CtxDestroy                   = "cuCtxDestroy_v2"
	GLCtxCreate                  = "cuGLCtxCreate_v2"
	GraphicsGLRegisterBuffer     = "cuGraphicsGLRegisterBuffer"
	GraphicsGLRegisterImage      = "cuGraphicsGLRegisterImage"
	GraphicsEGLRegisterImage     = "cuGraphicsEGLRegisterImage"
	GraphicsResourceGetMappedEGL = "cuGraphicsResourceGetMappedEglFrame"
	GraphicsUnregisterResource   = "cuGraphicsUnregisterResource"
	IpcGetMemHandle              = "cuIpcGetMemHandle"
	IpcOpenMemHandle             = "cuIpcOpenMemHandle_v2"
	IpcCloseMemHandle            = "cuIpcCloseMemHandle"
	ImportExternalMemory         = "cuImportExternalMemory"
	DestroyExternalMemory        = "cuDestroyExternalMemory"
	StreamCreate                 = "cuStreamCreate"
	StreamSynchronize            = "cuStreamSynchronize"
	StreamDestroy                = "cuStreamDestroy_v2"
)

// Groups of entry points that are needed together.
var (
	Context    = []string{Init, DeviceGet, CtxCreate, CtxDestroy}
	EGLInterop = []string{GraphicsEGLRegisterImage, GraphicsResourceGetMappedEGL, GraphicsUnregisterResource}
	GLInterop  = []string{GLCtxCreate, GraphicsGLRegisterBuffer, GraphicsGLRegisterImage, GraphicsUnregisterResource}
	MemShare   = []string{IpcGetMemHandle, IpcOpenMemHandle, IpcCloseMemHandle, ImportExternalMemory, DestroyExternalMemory}
	Streams    = []string{StreamCreate, StreamSynchronize, StreamDestroy}
)

// ErrUnavailable is returned by Open when the binary was built without dlopen support.
var ErrUnavailable = errors.New("cuda: built without driver loading support (build with -tags cuda)")

// CapabilityError reports an entry point the loaded driver does not have.
type CapabilityError struct {
	Name string
	Err  error
}

func (c *CapabilityError) Error() string {
	if c.Err == nil {
		return fmt.Sprintf("cuda: entry point %s is not available", c.Name)
	}
	return fmt.Sprintf("cuda: entry point %s is not available: %s", c.Name, c.Err)
}

func (c *CapabilityError) Unwrap() error {
	return c.Err
}

// Library finds symbols in a loaded shared object.
type Library interface {
	// Lookup returns the address of name. A zero address with a nil error also means not found.
	Lookup(name string) (uintptr, error)
	Close() error
}

type entry struct {
	addr uintptr
	err  error
}

// Symbols is a cache of resolved entry points. It is safe for concurrent use.
type Symbols struct {
	lib Library

	mu    sync.Mutex
	cache map[string]entry
}

// New wraps lib.
func New(lib Library) *Symbols {
	return &Symbols{lib: lib, cache: map[string]entry{}}
}

// Open loads the driver library at path.
func Open(path string) (*Symbols, error) {
	lib, err := openLibrary(path)
	if err != nil {
		return nil, err
	}
	log.V(1).Infof("cuda: loaded %s", path)
	return New(lib), nil
}

// Lookup returns the address of the entry point called name.
func (s *Symbols) Lookup(name string) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.cache[name]; ok {
		return e.addr, e.err
	}

	addr, err := s.lib.Lookup(name)
	e := entry{addr: addr}
	if err != nil || addr == 0 {
		e = entry{err: &CapabilityError{Name: name, Err: err}}
		log.V(1).Infof("cuda: %s", e.err)
	}
	s.cache[name] = e
	return e.addr, e.err
}

// Has reports if name resolved.
func (s *Symbols) Has(name string) bool {
	_, err := s.Lookup(name)
	return err == nil
}

// Require resolves every name and returns the first failure.
func (s *Symbols) Require(names ...string) error {
	for _, name := range names {
		if _, err := s.Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

// Close unloads the library. Addresses returned before are no longer valid.
func (s *Symbols) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = map[string]entry{}
	return s.lib.Close()
}
