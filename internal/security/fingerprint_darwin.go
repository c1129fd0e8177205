//go:build darwin

package security

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

func machineID(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			if id := strings.Trim(strings.TrimSpace(parts[1]), `"`); id != "" {
				return id, nil
			}
		}
	}
	return "", errors.New("IOPlatformUUID not found")
}

func totalMemory(_ context.Context) (uint64, error) {
	return unix.SysctlUint64("hw.memsize")
}
