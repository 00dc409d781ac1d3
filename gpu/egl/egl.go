/*
Package egl imports dma-buf descriptors received over fdpass as EGLImages.

The package talks to EGL through a Driver. The default build has no EGL support and every
call reports ErrUnavailable; build with "-tags egl" on Linux to link against libEGL.

	b := egl.New()
	img, err := b.CreateImage(egl.ImageOptions{FD: fd, Width: 1920, Height: 1080, Pitch: 7680})
	if err != nil {
		// Do something
	}
	defer b.DestroyImage(img)

The display is opened on first use and reused after that. If it cannot be opened, every
later call fails with the same error. The image entry points are looked up once, the first
time an image is created or destroyed.
*/
package egl

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/golang/glog"
)

// Attribute names and values from EGL 1.4 and EGL_EXT_image_dma_buf_import.
const (
	none   = 0x3038
	height = 0x3056
	width  = 0x3057

	linuxDMABuf    = 0x3270
	linuxDRMFourCC = 0x3271

	plane0FD     = 0x3272
	plane0Offset = 0x3273
	plane0Pitch  = 0x3274
	plane1FD     = 0x3275
	plane1Offset = 0x3276
	plane1Pitch  = 0x3277
	plane2FD     = 0x3278
	plane2Offset = 0x3279
	plane2Pitch  = 0x327A
)

// Names of the extension entry points the Bridge needs.
const (
	CreateImageKHR  = "eglCreateImageKHR"
	DestroyImageKHR = "eglDestroyImageKHR"
)

// MaxPlanes is the number of planes after the first one an image can have.
const MaxPlanes = 2

var (
	// ErrUnavailable is returned when the binary was built without EGL support.
	ErrUnavailable = errors.New("egl: built without EGL support (build with -tags egl)")
	// ErrNoDisplay is returned when the default display could not be initialized.
	ErrNoDisplay = errors.New("egl: failed to initialize EGL display")
)

// CapabilityError reports an extension entry point the driver does not export.
type CapabilityError struct {
	Name string
}

func (c *CapabilityError) Error() string {
	return fmt.Sprintf("egl: entry point %s is not available via eglGetProcAddress", c.Name)
}

// Error is an EGL call that failed.
type Error struct {
	// Op is the EGL function that failed.
	Op string
	// Code is the value of eglGetError(), 0 if there was none.
	Code int
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("%s failed", e.Op)
	}
	return fmt.Sprintf("%s failed, error=0x%04X", e.Op, e.Code)
}

// Image is the opaque handle of an EGLImageKHR.
type Image uint64

// NoImage is EGL_NO_IMAGE_KHR.
const NoImage Image = 0

// Plane is one of the extra planes of a multi-planar buffer.
type Plane struct {
	FD     int
	Offset int
	Pitch  int
}

// ImageOptions describe the dma-buf to import.
type ImageOptions struct {
	// FD is the dma-buf of the first plane. The Bridge does not close it.
	FD     int
	Width  int
	Height int
	// Pitch is the row stride of the first plane in bytes.
	Pitch int
	// Offset is where the first plane starts in FD.
	Offset int
	// Format is the DRM fourcc. Defaults to ARGB8888.
	Format Format
	// Planes are for semi and fully planar formats.
	Planes []Plane
}

// Validate checks the options before anything is handed to the driver.
func (o ImageOptions) Validate() error {
	switch {
	case o.FD < 0:
		return fmt.Errorf("egl: invalid descriptor %d", o.FD)
	case o.Width <= 0 || o.Height <= 0:
		return fmt.Errorf("egl: invalid size %dx%d", o.Width, o.Height)
	case o.Pitch <= 0:
		return fmt.Errorf("egl: invalid pitch %d", o.Pitch)
	case o.Offset < 0:
		return fmt.Errorf("egl: invalid offset %d", o.Offset)
	case len(o.Planes) > MaxPlanes:
		return fmt.Errorf("egl: %d extra planes, at most %d are supported", len(o.Planes), MaxPlanes)
	}
	for i, p := range o.Planes {
		if p.FD < 0 || p.Pitch <= 0 || p.Offset < 0 {
			return fmt.Errorf("egl: invalid plane %d: %+v", i+1, p)
		}
	}
	return nil
}

// Attribs is the EGL_NONE terminated attribute list for eglCreateImageKHR.
func (o ImageOptions) Attribs() []int32 {
	format := o.Format
	if format == 0 {
		format = ARGB8888
	}

	attrs := []int32{
		width, int32(o.Width),
		height, int32(o.Height),
		linuxDRMFourCC, int32(format),
		plane0FD, int32(o.FD),
		plane0Offset, int32(o.Offset),
		plane0Pitch, int32(o.Pitch),
	}

	keys := [MaxPlanes][3]int32{
		{plane1FD, plane1Offset, plane1Pitch},
		{plane2FD, plane2Offset, plane2Pitch},
	}
	for i, p := range o.Planes {
		if i == MaxPlanes {
			break
		}
		attrs = append(attrs,
			keys[i][0], int32(p.FD),
			keys[i][1], int32(p.Offset),
			keys[i][2], int32(p.Pitch),
		)
	}
	return append(attrs, none)
}

// Driver opens the EGL display.
type Driver interface {
	Open() (Display, error)
}

// Display is an initialized EGLDisplay.
type Display interface {
	// Proc returns the address of an entry point, 0 if it is not exported.
	Proc(name string) uintptr
	// CreateImage calls the eglCreateImageKHR found at proc with an EGL_LINUX_DMA_BUF_EXT target.
	CreateImage(proc uintptr, attrs []int32) (Image, error)
	// DestroyImage calls the eglDestroyImageKHR found at proc.
	DestroyImage(proc uintptr, img Image) error
}

// Bridge creates and destroys EGLImages. It is safe for concurrent use.
type Bridge struct {
	drv Driver

	dpyOnce sync.Once
	dpy     Display
	dpyErr  error

	procOnce sync.Once
	create   uintptr
	destroy  uintptr
	procErr  error
}

// Option is an optional argument to New.
type Option func(b *Bridge)

// WithDriver sets the Driver. The default depends on the build tags.
func WithDriver(d Driver) Option {
	return func(b *Bridge) {
		b.drv = d
	}
}

// New is the constructor for Bridge. Nothing is initialized until the first call.
func New(options ...Option) *Bridge {
	b := &Bridge{drv: defaultDriver}
	for _, o := range options {
		o(b)
	}
	return b
}

func (b *Bridge) display() (Display, error) {
	b.dpyOnce.Do(func() {
		b.dpy, b.dpyErr = b.drv.Open()
		if b.dpyErr != nil {
			log.Errorf("egl: display init failed, image import is disabled: %s", b.dpyErr)
			return
		}
		log.V(1).Infof("egl: display initialized")
	})
	return b.dpy, b.dpyErr
}

func (b *Bridge) procs(dpy Display) error {
	b.procOnce.Do(func() {
		b.create = dpy.Proc(CreateImageKHR)
		b.destroy = dpy.Proc(DestroyImageKHR)
		switch {
		case b.create == 0:
			b.procErr = &CapabilityError{Name: CreateImageKHR}
		case b.destroy == 0:
			b.procErr = &CapabilityError{Name: DestroyImageKHR}
		}
	})
	return b.procErr
}

// CreateImage imports the dma-buf described by opts.
func (b *Bridge) CreateImage(opts ImageOptions) (Image, error) {
	if err := opts.Validate(); err != nil {
		return NoImage, err
	}

	dpy, err := b.display()
	if err != nil {
		return NoImage, err
	}
	if err := b.procs(dpy); err != nil {
		return NoImage, err
	}

	img, err := dpy.CreateImage(b.create, opts.Attribs())
	if err != nil {
		return NoImage, err
	}
	if img == NoImage {
		return NoImage, &Error{Op: CreateImageKHR}
	}
	return img, nil
}

// DestroyImage releases img. Destroying NoImage does nothing.
func (b *Bridge) DestroyImage(img Image) error {
	if img == NoImage {
		return nil
	}

	dpy, err := b.display()
	if err != nil {
		return err
	}
	if err := b.procs(dpy); err != nil {
		return err
	}
	return dpy.DestroyImage(b.destroy, img)
}
