//go:build !cuda || !linux

package cuda

func openLibrary(path string) (Library, error) {
	return nil, ErrUnavailable
}
