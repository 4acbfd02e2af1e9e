// ABOUTME: Clock-change detection through timerfd cancel-on-set
// ABOUTME: Wakes whenever CLOCK_REALTIME is set

//go:build linux

package clockwatch

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// timerfdWatch arms a far-future CLOCK_REALTIME timer with cancel-on-set.
// The kernel cancels it, failing read with ECANCELED, whenever the clock is
// set discontinuously.
type timerfdWatch struct {
	fd   int
	file *os.File
}

func openKernelWatch() (kernelWatch, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_REALTIME, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	if err := armTimerfd(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &timerfdWatch{fd: fd, file: os.NewFile(uintptr(fd), "timerfd")}, nil
}

func armTimerfd(fd int) error {
	far := time.Now().AddDate(10, 0, 0)
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(far.UnixNano())}
	if err := unix.TimerfdSettime(fd, unix.TFD_TIMER_ABSTIME|unix.TFD_TIMER_CANCEL_ON_SET, &its, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

func (t *timerfdWatch) Wait() (bool, error) {
	var buf [8]byte
	_, err := t.file.Read(buf[:])
	switch {
	case errors.Is(err, unix.ECANCELED):
		return true, armTimerfd(t.fd)
	case err != nil:
		return false, err
	default:
		// Expired after ten years of uptime.
		return false, armTimerfd(t.fd)
	}
}

func (t *timerfdWatch) Close() error {
	return t.file.Close()
}
