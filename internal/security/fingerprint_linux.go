//go:build linux

package security

import (
	"context"
	"errors"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

func machineID(_ context.Context) (string, error) {
	var errs []error
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	errs = append(errs, errors.New("no machine id found"))
	return "", errors.Join(errs...)
}

func totalMemory(_ context.Context) (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
