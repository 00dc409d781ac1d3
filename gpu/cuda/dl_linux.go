//go:build cuda && linux

package cuda

/*
#cgo LDFLAGS: -ldl
#include <stdlib.h>
#include <dlfcn.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

type dlLibrary struct {
	handle unsafe.Pointer
}

func openLibrary(path string) (Library, error) {
	cs := C.CString(path)
	defer C.free(unsafe.Pointer(cs))

	h := C.dlopen(cs, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, fmt.Errorf("cuda: dlopen(%s): %s", path, C.GoString(C.dlerror()))
	}
	return &dlLibrary{handle: h}, nil
}

func (l *dlLibrary) Lookup(name string) (uintptr, error) {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))

	C.dlerror()
	p := C.dlsym(l.handle, cs)
	if p == nil {
		if msg := C.dlerror(); msg != nil {
			return 0, errors.New(C.GoString(msg))
		}
		return 0, nil
	}
	return uintptr(p), nil
}

func (l *dlLibrary) Close() error {
	if C.dlclose(l.handle) != 0 {
		return fmt.Errorf("cuda: dlclose: %s", C.GoString(C.dlerror()))
	}
	return nil
}
