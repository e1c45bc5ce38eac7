//go:build !linux

package lifecycle

// SetTitle is a no-op where the platform has no portable process rename.
func SetTitle(string) error {
	return nil
}
