package egl

import (
	"errors"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

type fakeDisplay struct {
	procs map[string]uintptr

	mu        sync.Mutex
	lookups   int
	attrs     [][]int32
	destroyed []Image
	next      Image
}

func (f *fakeDisplay) Proc(name string) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.procs[name]
}

func (f *fakeDisplay) CreateImage(proc uintptr, attrs []int32) (Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if proc != f.procs[CreateImageKHR] {
		return NoImage, errors.New("wrong entry point")
	}
	f.attrs = append(f.attrs, attrs)
	f.next++
	return f.next, nil
}

func (f *fakeDisplay) DestroyImage(proc uintptr, img Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if proc != f.procs[DestroyImageKHR] {
		return errors.New("wrong entry point")
	}
	f.destroyed = append(f.destroyed, img)
	return nil
}

type fakeDriver struct {
	dpy   *fakeDisplay
	err   error
	opens int
}

func (f *fakeDriver) Open() (Display, error) {
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	return f.dpy, nil
}

func allProcs() map[string]uintptr {
	return map[string]uintptr{CreateImageKHR: 0x1000, DestroyImageKHR: 0x2000}
}

func TestAttribs(t *testing.T) {
	tests := []struct {
		desc string
		opts ImageOptions
		want []int32
	}{
		{
			desc: "single plane, default format",
			opts: ImageOptions{FD: 7, Width: 640, Height: 480, Pitch: 2560},
			want: []int32{
				width, 640, height, 480, linuxDRMFourCC, 0x34325241,
				plane0FD, 7, plane0Offset, 0, plane0Pitch, 2560,
				none,
			},
		},
		{
			desc: "nv12",
			opts: ImageOptions{
				FD: 7, Width: 640, Height: 480, Pitch: 640, Format: NV12,
				Planes: []Plane{{FD: 7, Offset: 307200, Pitch: 640}},
			},
			want: []int32{
				width, 640, height, 480, linuxDRMFourCC, int32(NV12),
				plane0FD, 7, plane0Offset, 0, plane0Pitch, 640,
				plane1FD, 7, plane1Offset, 307200, plane1Pitch, 640,
				none,
			},
		},
		{
			desc: "three planes",
			opts: ImageOptions{
				FD: 3, Width: 4, Height: 4, Pitch: 4, Offset: 8, Format: YUV420,
				Planes: []Plane{{FD: 4, Pitch: 2}, {FD: 5, Offset: 1, Pitch: 2}},
			},
			want: []int32{
				width, 4, height, 4, linuxDRMFourCC, int32(YUV420),
				plane0FD, 3, plane0Offset, 8, plane0Pitch, 4,
				plane1FD, 4, plane1Offset, 0, plane1Pitch, 2,
				plane2FD, 5, plane2Offset, 1, plane2Pitch, 2,
				none,
			},
		},
	}

	for _, test := range tests {
		if diff := pretty.Compare(test.want, test.opts.Attribs()); diff != "" {
			t.Errorf("TestAttribs(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}

func TestValidate(t *testing.T) {
	good := ImageOptions{FD: 3, Width: 1, Height: 1, Pitch: 4}

	tests := []struct {
		desc    string
		mod     func(o *ImageOptions)
		wantErr bool
	}{
		{desc: "good", mod: func(o *ImageOptions) {}},
		{desc: "bad fd", mod: func(o *ImageOptions) { o.FD = -1 }, wantErr: true},
		{desc: "no width", mod: func(o *ImageOptions) { o.Width = 0 }, wantErr: true},
		{desc: "no pitch", mod: func(o *ImageOptions) { o.Pitch = 0 }, wantErr: true},
		{desc: "negative offset", mod: func(o *ImageOptions) { o.Offset = -1 }, wantErr: true},
		{desc: "too many planes", mod: func(o *ImageOptions) { o.Planes = make([]Plane, 3) }, wantErr: true},
		{desc: "bad plane", mod: func(o *ImageOptions) { o.Planes = []Plane{{FD: -1, Pitch: 1}} }, wantErr: true},
	}

	for _, test := range tests {
		opts := good
		test.mod(&opts)
		err := opts.Validate()
		switch {
		case err == nil && test.wantErr:
			t.Errorf("TestValidate(%s): got err == nil, want err != nil", test.desc)
		case err != nil && !test.wantErr:
			t.Errorf("TestValidate(%s): got err == %s, want err == nil", test.desc, err)
		}
	}
}

func TestBridge(t *testing.T) {
	dpy := &fakeDisplay{procs: allProcs()}
	drv := &fakeDriver{dpy: dpy}
	b := New(WithDriver(drv))

	var imgs []Image
	for i := 0; i < 3; i++ {
		img, err := b.CreateImage(ImageOptions{FD: 3, Width: 2, Height: 2, Pitch: 8})
		if err != nil {
			t.Fatalf("TestBridge: CreateImage(): %s", err)
		}
		imgs = append(imgs, img)
	}
	for _, img := range imgs {
		if err := b.DestroyImage(img); err != nil {
			t.Fatalf("TestBridge: DestroyImage(): %s", err)
		}
	}
	if err := b.DestroyImage(NoImage); err != nil {
		t.Errorf("TestBridge: DestroyImage(NoImage): %s", err)
	}

	if drv.opens != 1 {
		t.Errorf("TestBridge: display opened %d times, want 1", drv.opens)
	}
	if dpy.lookups != 2 {
		t.Errorf("TestBridge: %d entry point lookups, want 2", dpy.lookups)
	}
	if diff := pretty.Compare(imgs, dpy.destroyed); diff != "" {
		t.Errorf("TestBridge: destroyed -want/+got:\n%s", diff)
	}
}

func TestBridgeDisplayFailureIsSticky(t *testing.T) {
	drv := &fakeDriver{err: ErrNoDisplay}
	b := New(WithDriver(drv))

	for i := 0; i < 2; i++ {
		_, err := b.CreateImage(ImageOptions{FD: 3, Width: 2, Height: 2, Pitch: 8})
		if !errors.Is(err, ErrNoDisplay) {
			t.Errorf("TestBridgeDisplayFailureIsSticky: got err == %v, want ErrNoDisplay", err)
		}
	}
	if err := b.DestroyImage(1); !errors.Is(err, ErrNoDisplay) {
		t.Errorf("TestBridgeDisplayFailureIsSticky: DestroyImage() got err == %v, want ErrNoDisplay", err)
	}
	if drv.opens != 1 {
		t.Errorf("TestBridgeDisplayFailureIsSticky: display opened %d times, want 1", drv.opens)
	}
}

func TestBridgeMissingEntryPoint(t *testing.T) {
	procs := allProcs()
	delete(procs, DestroyImageKHR)
	b := New(WithDriver(&fakeDriver{dpy: &fakeDisplay{procs: procs}}))

	_, err := b.CreateImage(ImageOptions{FD: 3, Width: 2, Height: 2, Pitch: 8})
	ce := &CapabilityError{}
	if !errors.As(err, &ce) {
		t.Fatalf("TestBridgeMissingEntryPoint: got err == %v, want *CapabilityError", err)
	}
	if ce.Name != DestroyImageKHR {
		t.Errorf("TestBridgeMissingEntryPoint: got name %s, want %s", ce.Name, DestroyImageKHR)
	}
}

func TestDefaultDriver(t *testing.T) {
	if _, err := defaultDriver.Open(); !errors.Is(err, ErrUnavailable) {
		t.Skip("built with EGL support")
	}
	if _, err := New().CreateImage(ImageOptions{FD: 3, Width: 2, Height: 2, Pitch: 8}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("TestDefaultDriver: got err == %v, want ErrUnavailable", err)
	}
}

func TestFormat(t *testing.T) {
	if ARGB8888 != 0x34325241 {
		t.Errorf("TestFormat: ARGB8888 == %#x, want 0x34325241", uint32(ARGB8888))
	}
	if ARGB8888.String() != "AR24" {
		t.Errorf("TestFormat: String() == %q, want AR24", ARGB8888.String())
	}
	for _, s := range []string{"argb8888", "AR24"} {
		f, err := ParseFormat(s)
		if err != nil || f != ARGB8888 {
			t.Errorf("TestFormat: ParseFormat(%s) == %v, %v, want ARGB8888", s, f, err)
		}
	}
	if _, err := ParseFormat("RGB"); err == nil {
		t.Errorf("TestFormat: ParseFormat(RGB) succeeded")
	}
}
