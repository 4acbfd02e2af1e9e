// ABOUTME: Kernel clock-change notification is unavailable here
// ABOUTME: The watcher falls back to polling

//go:build !linux

package clockwatch

import "errors"

func openKernelWatch() (kernelWatch, error) {
	return nil, errors.New("not supported on this platform")
}
