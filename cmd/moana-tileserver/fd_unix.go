//go:build unix

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/seelabutk/tapestry-moana/internal/tileserver"
)

// openFrames wraps an inherited descriptor. It fails early when the parent
// did not open it instead of failing on the first frame.
func openFrames(fd int) (*os.File, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid frames descriptor %d", fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("frames descriptor %d is not open (start with %d>&1 or pass --frames-fd): %w", fd, fd, err)
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("frames-fd-%d", fd)), nil
}

// watchPresetSignals maps SIGHUP to a preset reload and SIGUSR1 to the next
// preset until ctx ends.
func watchPresetSignals(ctx context.Context, server *tileserver.Server) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGHUP, unix.SIGUSR1)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sigs:
				switch s {
				case unix.SIGHUP:
					server.RequestReload()
				case unix.SIGUSR1:
					server.RequestNextPreset()
				}
			}
		}
	}()
}
