//go:build !unix

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/seelabutk/tapestry-moana/internal/tileserver"
)

// Only stdout is available as a frame stream here.
func openFrames(fd int) (*os.File, error) {
	if fd != 1 {
		return nil, fmt.Errorf("frames descriptor %d is not supported on this platform, use --frames-fd 1", fd)
	}
	return os.Stdout, nil
}

func watchPresetSignals(context.Context, *tileserver.Server) {}
