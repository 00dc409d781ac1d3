//go:build !egl || !linux

package egl

var defaultDriver Driver = unavailable{}

type unavailable struct{}

func (unavailable) Open() (Display, error) {
	return nil, ErrUnavailable
}
