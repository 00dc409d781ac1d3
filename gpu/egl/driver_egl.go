//go:build egl && linux

package egl

/*
#cgo LDFLAGS: -lEGL
#include <stdlib.h>
#include <EGL/egl.h>
#include <EGL/eglext.h>

static EGLDisplay fdpass_open_display(EGLint *code) {
	EGLDisplay dpy = eglGetDisplay(EGL_DEFAULT_DISPLAY);
	if (dpy == EGL_NO_DISPLAY) {
		*code = eglGetError();
		return NULL;
	}
	EGLint major = 0, minor = 0;
	if (eglInitialize(dpy, &major, &minor) != EGL_TRUE) {
		*code = eglGetError();
		return NULL;
	}
	return dpy;
}

static void *fdpass_proc(const char *name) {
	return (void *)eglGetProcAddress(name);
}

static EGLImageKHR fdpass_create_image(void *fn, EGLDisplay dpy, const EGLint *attrs, EGLint *code) {
	EGLImageKHR img = ((PFNEGLCREATEIMAGEKHRPROC)fn)(dpy, EGL_NO_CONTEXT, EGL_LINUX_DMA_BUF_EXT, (EGLClientBuffer)NULL, attrs);
	if (img == EGL_NO_IMAGE_KHR) {
		*code = eglGetError();
	}
	return img;
}

static EGLint fdpass_destroy_image(void *fn, EGLDisplay dpy, EGLImageKHR img) {
	if (((PFNEGLDESTROYIMAGEKHRPROC)fn)(dpy, img) != EGL_TRUE) {
		return eglGetError();
	}
	return EGL_SUCCESS;
}
*/
import "C"

import "unsafe"

var defaultDriver Driver = libEGL{}

type libEGL struct{}

func (libEGL) Open() (Display, error) {
	var code C.EGLint
	dpy := C.fdpass_open_display(&code)
	if dpy == nil {
		return nil, &Error{Op: "eglInitialize", Code: int(code)}
	}
	return &display{dpy: dpy}, nil
}

type display struct {
	dpy C.EGLDisplay
}

func (d *display) Proc(name string) uintptr {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	return uintptr(C.fdpass_proc(cs))
}

func (d *display) CreateImage(proc uintptr, attrs []int32) (Image, error) {
	var code C.EGLint
	img := C.fdpass_create_image(unsafe.Pointer(proc), d.dpy, (*C.EGLint)(unsafe.Pointer(&attrs[0])), &code)
	if img == nil {
		return NoImage, &Error{Op: CreateImageKHR, Code: int(code)}
	}
	return Image(uintptr(img)), nil
}

func (d *display) DestroyImage(proc uintptr, img Image) error {
	code := C.fdpass_destroy_image(unsafe.Pointer(proc), d.dpy, C.EGLImageKHR(unsafe.Pointer(uintptr(img))))
	if code != C.EGL_SUCCESS {
		return &Error{Op: DestroyImageKHR, Code: int(code)}
	}
	return nil
}
