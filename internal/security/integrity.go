package security

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	licenseErrors "gymdesk/internal/errors"
	"gymdesk/pkg/contracts/domain"
)

// DefaultHashAlgorithm is assumed when a manifest names none
const DefaultHashAlgorithm = "sha256"

var hashAlgorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"blake2b256": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
}

// normalizeHashAlgorithm maps "SHA-256", "sha_256" and "sha256" to one name
func normalizeHashAlgorithm(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultHashAlgorithm
	}
	return strings.NewReplacer("-", "", "_", "").Replace(name)
}

// IntegrityResult is the outcome of a manifest verification
type IntegrityResult struct {
	Valid   bool
	Code    licenseErrors.Code
	Message string
	// Mode is dev_warning when a failure was downgraded in non-strict mode
	Mode domain.ValidationMode
	// Path is the manifest entry that failed, if any
	Path     string
	Manifest *domain.IntegrityManifest
	// Snapshot is set when a freshly fetched manifest verified cleanly and
	// should replace the cached one
	Snapshot *domain.IntegritySnapshot
	// FromCache reports that the cached manifest was used
	FromCache bool
}

// Warning returns the downgraded failure message, if any
func (r IntegrityResult) Warning() string {
	if r.Mode == domain.ModeDevWarning {
		return fmt.Sprintf("%s: %s", r.Code, r.Message)
	}
	return ""
}

// ManifestFetcher retrieves the current signed manifest from the license server
type ManifestFetcher func(ctx context.Context) (*domain.IntegrityManifestResponse, error)

// IntegrityVerifier attests the installed application files against a
// server-signed manifest.
type IntegrityVerifier struct {
	Root       string
	AppVersion string
	Strict     bool
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewIntegrityVerifier creates a verifier rooted at the application directory
func NewIntegrityVerifier(root, appVersion string, strict bool, logger *slog.Logger) *IntegrityVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityVerifier{
		Root:       root,
		AppVersion: appVersion,
		Strict:     strict,
		Logger:     logger.With(slog.String("component", "integrity")),
	}
}

func (v *IntegrityVerifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

func (v *IntegrityVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Check fetches a fresh manifest and verifies it. When the server cannot be
// reached the cached snapshot is verified instead; with nothing cached the
// check fails in strict mode and warns otherwise.
func (v *IntegrityVerifier) Check(ctx context.Context, fetch ManifestFetcher, cached *domain.IntegritySnapshot, bundle *domain.PublicKeyBundle) IntegrityResult {
	var fetchErr error
	if fetch != nil {
		resp, err := fetch(ctx)
		switch {
		case err != nil:
			fetchErr = err
		case !resp.Success:
			fetchErr = fmt.Errorf("manifest rejected by server: %s", resp.Code)
		default:
			payload := []byte(resp.ManifestPayload)
			if len(payload) == 0 {
				payload = resp.RawManifest
			}
			if len(payload) == 0 {
				fetchErr = errors.New("manifest response carried no manifest")
				break
			}
			result := v.VerifyManifest(payload, resp.Signature, bundle)
			if result.Code == "" {
				result.Snapshot = &domain.IntegritySnapshot{
					ManifestPayload: string(payload),
					Signature:       resp.Signature,
					BuildID:         resp.BuildID,
					CheckedAt:       v.now(),
				}
			}
			return result
		}
	}

	if cached != nil && cached.ManifestPayload != "" {
		v.logger().Info("verifying cached integrity manifest",
			slog.String("reason", errString(fetchErr)),
			slog.Time("cached_at", cached.CheckedAt))
		result := v.VerifyManifest([]byte(cached.ManifestPayload), cached.Signature, bundle)
		result.FromCache = true
		return result
	}

	return v.finish(IntegrityResult{
		Code:    licenseErrors.CodeIntegrityManifestUnavailable,
		Message: "Integrity manifest is unavailable and no verified copy is cached",
	})
}

// VerifyManifest checks the signature over payload, then every listed file.
// The first failing entry stops the scan.
func (v *IntegrityVerifier) VerifyManifest(payload []byte, signature string, bundle *domain.PublicKeyBundle) IntegrityResult {
	if err := VerifySignature(payload, signature, bundle); err != nil {
		v.logger().Warn("integrity manifest signature rejected", slog.String("error", err.Error()))
		return v.finish(IntegrityResult{
			Code:    licenseErrors.CodeIntegritySignatureInvalid,
			Message: "Integrity manifest signature is invalid",
		})
	}

	var manifest domain.IntegrityManifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return v.finish(IntegrityResult{
			Code:    licenseErrors.CodeManifestParseFailed,
			Message: "Integrity manifest could not be parsed",
		})
	}
	entries := manifestEntries(&manifest)
	if len(entries) == 0 {
		return v.finish(IntegrityResult{
			Code:     licenseErrors.CodeManifestParseFailed,
			Message:  "Integrity manifest lists no files",
			Manifest: &manifest,
		})
	}

	newHash, ok := hashAlgorithms[normalizeHashAlgorithm(manifest.HashAlgorithm)]
	if !ok {
		return v.finish(IntegrityResult{
			Code:     licenseErrors.CodeUnsupportedHashAlgorithm,
			Message:  fmt.Sprintf("Unsupported hash algorithm %q", manifest.HashAlgorithm),
			Manifest: &manifest,
		})
	}

	if v.AppVersion != "" && manifest.AppVersion != "" && manifest.AppVersion != v.AppVersion {
		return v.finish(IntegrityResult{
			Code:     licenseErrors.CodeIntegrityVersionMismatch,
			Message:  fmt.Sprintf("Manifest is for version %s, running %s", manifest.AppVersion, v.AppVersion),
			Manifest: &manifest,
		})
	}

	root, err := v.resolveRoot()
	if err != nil {
		return v.finish(IntegrityResult{
			Code:     licenseErrors.CodeIntegrityFileMissing,
			Message:  "Application root could not be resolved",
			Manifest: &manifest,
		})
	}

	for _, entry := range entries {
		if res, failed := v.checkEntry(root, entry, newHash); failed {
			res.Manifest = &manifest
			return v.finish(res)
		}
	}

	v.logger().Debug("integrity verified",
		slog.Int("files", len(entries)),
		slog.String("app_version", manifest.AppVersion))
	return IntegrityResult{Valid: true, Manifest: &manifest}
}

func (v *IntegrityVerifier) checkEntry(root resolvedRoot, entry domain.ManifestEntry, newHash func() hash.Hash) (IntegrityResult, bool) {
	full, err := root.join(entry.Path)
	if err != nil {
		return IntegrityResult{
			Code:    licenseErrors.CodeIntegrityInvalidPath,
			Message: "Integrity manifest contains an unsafe path",
			Path:    entry.Path,
		}, true
	}

	info, err := os.Stat(full)
	if err != nil {
		return IntegrityResult{
			Code:    licenseErrors.CodeIntegrityFileMissing,
			Message: fmt.Sprintf("Application file %s is missing", entry.Path),
			Path:    entry.Path,
		}, true
	}
	if !info.Mode().IsRegular() {
		return IntegrityResult{
			Code:    licenseErrors.CodeIntegrityMismatch,
			Message: fmt.Sprintf("Application file %s is not a regular file", entry.Path),
			Path:    entry.Path,
		}, true
	}

	actual, err := hashFile(full, newHash)
	if err != nil {
		return IntegrityResult{
			Code:    licenseErrors.CodeIntegrityFileMissing,
			Message: fmt.Sprintf("Application file %s could not be read", entry.Path),
			Path:    entry.Path,
		}, true
	}
	if !strings.EqualFold(strings.TrimSpace(entry.SHA256), actual) {
		return IntegrityResult{
			Code:    licenseErrors.CodeIntegrityMismatch,
			Message: fmt.Sprintf("Application file %s has been modified", entry.Path),
			Path:    entry.Path,
		}, true
	}
	return IntegrityResult{}, false
}

// finish applies the strict flag to a failed result
func (v *IntegrityVerifier) finish(res IntegrityResult) IntegrityResult {
	if v.Strict {
		res.Valid = false
		v.logger().Error("integrity check failed",
			slog.String("code", string(res.Code)),
			slog.String("path", res.Path))
		return res
	}
	res.Valid = true
	res.Mode = domain.ModeDevWarning
	v.logger().Warn("integrity check failed, continuing in non-strict mode",
		slog.String("code", string(res.Code)),
		slog.String("path", res.Path))
	return res
}

// manifestEntries flattens top-level files and artifact groups. Artifact
// paths are concatenated without cleaning so ".." survives to the path check.
func manifestEntries(m *domain.IntegrityManifest) []domain.ManifestEntry {
	entries := make([]domain.ManifestEntry, 0, len(m.Files))
	entries = append(entries, m.Files...)
	for _, artifact := range m.Artifacts {
		base := strings.TrimSuffix(artifact.BasePath, "/")
		for _, f := range artifact.Files {
			p := f.Path
			if base != "" {
				p = base + "/" + f.Path
			}
			entries = append(entries, domain.ManifestEntry{Path: p, SHA256: f.SHA256})
		}
	}
	return entries
}

type resolvedRoot struct {
	abs      string
	resolved string
}

func (v *IntegrityVerifier) resolveRoot() (resolvedRoot, error) {
	abs, err := filepath.Abs(v.Root)
	if err != nil {
		return resolvedRoot{}, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return resolvedRoot{}, err
		}
		resolved = abs
	}
	return resolvedRoot{abs: abs, resolved: resolved}, nil
}

var errUnsafePath = errors.New("unsafe manifest path")

// join maps a manifest path into the root, rejecting anything that could
// point outside it, including through symlinks.
func (r resolvedRoot) join(rel string) (string, error) {
	if rel == "" || strings.Contains(rel, `\`) || path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", errUnsafePath
	}
	if len(rel) >= 2 && rel[1] == ':' {
		return "", errUnsafePath
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == ".." {
			return "", errUnsafePath
		}
	}

	full := filepath.Join(r.abs, filepath.FromSlash(rel))
	if !within(r.abs, full) {
		return "", errUnsafePath
	}
	if resolved, err := filepath.EvalSymlinks(full); err == nil && !within(r.resolved, resolved) {
		return "", errUnsafePath
	}
	return full, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// hashFile streams the file through the hash
func hashFile(filePath string, newHash func() hash.Hash) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := newHash()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
