package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	fingerprintDomain   = "gymdesk-device-v1"
	fingerprintFallback = "gymdesk-device-fallback-v1"
)

// DeviceSignals are the raw, unhashed inputs of a fingerprint
type DeviceSignals struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Hostname    string `json:"hostname"`
	TotalMemory uint64 `json:"total_memory"`
	MachineID   string `json:"machine_id"`
}

func (s DeviceSignals) empty() bool {
	return s.OS == "" && s.Arch == "" && s.Hostname == "" && s.TotalMemory == 0 && s.MachineID == ""
}

// DeviceFingerprint represents device identification information
type DeviceFingerprint struct {
	Fingerprint string        `json:"fingerprint"`
	Signals     DeviceSignals `json:"signals"`
	Fallback    bool          `json:"fallback"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// SignalSource reads the platform identifiers a fingerprint is built from.
// Any method may fail; the manager treats failures as empty signals.
type SignalSource interface {
	Platform() (goos, goarch string)
	Hostname() (string, error)
	TotalMemory(ctx context.Context) (uint64, error)
	MachineID(ctx context.Context) (string, error)
}

// FingerprintManager derives and memoizes the device fingerprint
type FingerprintManager struct {
	source     SignalSource
	logger     *slog.Logger
	cache      *DeviceFingerprint
	cacheMutex sync.RWMutex
}

// NewFingerprintManager creates a manager reading the real platform signals
func NewFingerprintManager(logger *slog.Logger) *FingerprintManager {
	return NewFingerprintManagerWithSource(SystemSignals{}, logger)
}

// NewFingerprintManagerWithSource creates a manager over a custom signal source
func NewFingerprintManagerWithSource(source SignalSource, logger *slog.Logger) *FingerprintManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FingerprintManager{
		source: source,
		logger: logger.With(slog.String("component", "device_identity")),
	}
}

// GenerateFingerprint returns the 64-char hex fingerprint. It never fails: a
// missing signal only makes the fingerprint less unique.
func (fm *FingerprintManager) GenerateFingerprint(ctx context.Context) string {
	return fm.Fingerprint(ctx).Fingerprint
}

// Fingerprint returns the memoized fingerprint together with its signals
func (fm *FingerprintManager) Fingerprint(ctx context.Context) *DeviceFingerprint {
	fm.cacheMutex.RLock()
	if fm.cache != nil {
		cached := fm.cache
		fm.cacheMutex.RUnlock()
		return cached
	}
	fm.cacheMutex.RUnlock()

	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()
	if fm.cache != nil {
		return fm.cache
	}

	signals := fm.Components(ctx)
	fp := &DeviceFingerprint{
		Signals:     signals,
		GeneratedAt: time.Now().UTC(),
	}
	if signals.empty() {
		fp.Fallback = true
		fp.Fingerprint = hashFingerprint(fingerprintFallback)
		fm.logger.WarnContext(ctx, "no device signals available, using fallback fingerprint")
	} else {
		fp.Fingerprint = hashFingerprint(canonicalSignals(signals))
	}

	fm.logger.DebugContext(ctx, "device fingerprint generated",
		slog.String("fingerprint_prefix", fp.Fingerprint[:8]),
		slog.Bool("has_machine_id", signals.MachineID != ""),
		slog.Bool("fallback", fp.Fallback),
	)

	fm.cache = fp
	return fp
}

// Components collects the raw signals without hashing. Exposed for diagnostics.
func (fm *FingerprintManager) Components(ctx context.Context) DeviceSignals {
	goos, goarch := fm.source.Platform()
	signals := DeviceSignals{OS: goos, Arch: goarch}

	if hostname, err := fm.source.Hostname(); err != nil {
		fm.logger.DebugContext(ctx, "hostname unavailable", slog.String("error", err.Error()))
	} else {
		signals.Hostname = strings.ToLower(strings.TrimSpace(hostname))
	}

	if mem, err := fm.source.TotalMemory(ctx); err != nil {
		fm.logger.DebugContext(ctx, "total memory unavailable", slog.String("error", err.Error()))
	} else {
		signals.TotalMemory = mem
	}

	if id, err := fm.source.MachineID(ctx); err != nil {
		fm.logger.DebugContext(ctx, "machine id unavailable", slog.String("error", err.Error()))
	} else {
		signals.MachineID = strings.ToLower(strings.TrimSpace(id))
	}

	return signals
}

// ClearCache forces the next call to re-derive the fingerprint
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()
	fm.cache = nil
}

func canonicalSignals(s DeviceSignals) string {
	mem := ""
	if s.TotalMemory > 0 {
		mem = strconv.FormatUint(s.TotalMemory, 10)
	}
	return strings.Join([]string{fingerprintDomain, s.OS, s.Arch, s.Hostname, mem, s.MachineID}, "|")
}

func hashFingerprint(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// SystemSignals reads identifiers from the running machine
type SystemSignals struct{}

// Platform returns the operating system and architecture
func (SystemSignals) Platform() (string, string) {
	return runtime.GOOS, runtime.GOARCH
}

// Hostname returns the machine hostname
func (SystemSignals) Hostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	if strings.TrimSpace(hostname) == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// TotalMemory returns the physical memory size in bytes
func (SystemSignals) TotalMemory(ctx context.Context) (uint64, error) {
	return totalMemory(ctx)
}

// MachineID returns the OS-assigned machine identifier
func (SystemSignals) MachineID(ctx context.Context) (string, error) {
	return machineID(ctx)
}
