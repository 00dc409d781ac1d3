package cuda

import (
	"fmt"
	"path/filepath"
	"runtime"

	log "github.com/golang/glog"
)

// Result is a CUresult returned by every driver API call.
type Result int

// A subset of the driver API's CUresult values.
const (
	Success                     Result = 0
	ErrorInvalidValue           Result = 1
	ErrorOutOfMemory            Result = 2
	ErrorNotInitialized         Result = 3
	ErrorDeinitialized          Result = 4
	ErrorNoDevice               Result = 100
	ErrorInvalidDevice          Result = 101
	ErrorInvalidImage           Result = 200
	ErrorInvalidContext         Result = 201
	ErrorMapFailed              Result = 205
	ErrorUnmapFailed            Result = 206
	ErrorAlreadyMapped          Result = 208
	ErrorNotMapped              Result = 211
	ErrorInvalidGraphicsContext Result = 219
	ErrorInvalidHandle          Result = 400
	ErrorNotFound               Result = 500
	ErrorNotReady               Result = 600
	ErrorIllegalAddress         Result = 700
	ErrorNotSupported           Result = 801
	ErrorUnknown                Result = 999
)

var resultNames = map[Result]string{
	Success:                     "CUDA_SUCCESS",
	ErrorInvalidValue:           "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:            "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized:         "CUDA_ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:          "CUDA_ERROR_DEINITIALIZED",
	ErrorNoDevice:               "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:          "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidImage:           "CUDA_ERROR_INVALID_IMAGE",
	ErrorInvalidContext:         "CUDA_ERROR_INVALID_CONTEXT",
	ErrorMapFailed:              "CUDA_ERROR_MAP_FAILED",
	ErrorUnmapFailed:            "CUDA_ERROR_UNMAP_FAILED",
	ErrorAlreadyMapped:          "CUDA_ERROR_ALREADY_MAPPED",
	ErrorNotMapped:              "CUDA_ERROR_NOT_MAPPED",
	ErrorInvalidGraphicsContext: "CUDA_ERROR_INVALID_GRAPHICS_CONTEXT",
	ErrorInvalidHandle:          "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:               "CUDA_ERROR_NOT_FOUND",
	ErrorNotReady:               "CUDA_ERROR_NOT_READY",
	ErrorIllegalAddress:         "CUDA_ERROR_ILLEGAL_ADDRESS",
	ErrorNotSupported:           "CUDA_ERROR_NOT_SUPPORTED",
	ErrorUnknown:                "CUDA_ERROR_UNKNOWN",
}

// String returns the CUresult's name, or "Unknown CUDA error" for codes not in the table.
func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "Unknown CUDA error"
}

// Error is a driver API call that did not return Success.
type Error struct {
	Code Result
	// File and Line are where Check was called.
	File string
	Line int
	// Call is the call that was checked, as written by the caller.
	Call string
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver API error = %04d %q from file <%s>, line %d (%s)", int(e.Code), e.Code.String(), e.File, e.Line, e.Call)
}

// Check returns nil if r is Success, otherwise an *Error pointing at the line that called Check.
//
//	if err := cuda.Check(cuInit(0), "cuInit(0)"); err != nil {
//		return err
//	}
func Check(r Result, call string) error {
	if r == Success {
		return nil
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
	}
	err := &Error{Code: r, File: filepath.Base(file), Line: line, Call: call}
	log.V(1).Info(err)
	return err
}
