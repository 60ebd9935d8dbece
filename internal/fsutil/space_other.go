//go:build !(linux || darwin || freebsd)

package fsutil

// FreeSpace is not implemented on this platform.
func FreeSpace(string) (uint64, error) {
	return 0, ErrUnsupported
}
