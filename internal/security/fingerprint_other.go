//go:build !linux && !darwin && !windows

package security

import (
	"context"
	"errors"
)

var errSignalUnsupported = errors.New("signal not supported on this platform")

func machineID(_ context.Context) (string, error) {
	return "", errSignalUnsupported
}

func totalMemory(_ context.Context) (uint64, error) {
	return 0, errSignalUnsupported
}
