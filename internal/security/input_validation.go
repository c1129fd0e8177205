package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// License key shape: letters, digits and dashes
const (
	MinLicenseKeyLength = 8
	MaxLicenseKeyLength = 64
	MaxGymNameLength    = 120
)

var licenseKeyPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// InputValidator validates and sanitizes activation input
type InputValidator struct {
	logger             *slog.Logger
	suspiciousPatterns []*regexp.Regexp
}

// ValidationResult represents the result of input validation
type ValidationResult struct {
	IsValid        bool     `json:"is_valid"`
	SanitizedValue string   `json:"sanitized_value"`
	Errors         []string `json:"errors"`
	ThreatTypes    []string `json:"threat_types"`
	InputType      string   `json:"input_type"`
}

// ThreatType represents different types of hostile input
type ThreatType string

const (
	ThreatScriptInjection ThreatType = "script_injection"
	ThreatPathTraversal   ThreatType = "path_traversal"
	ThreatMalformedInput  ThreatType = "malformed_input"
)

// NewInputValidator creates a validator logging through logger
func NewInputValidator(logger *slog.Logger) *InputValidator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &InputValidator{logger: logger}
	v.initializeSecurityPatterns()
	return v
}

// ValidateLicenseKey trims the key and checks its format. Case is preserved
// because the server compares keys byte for byte.
func (v *InputValidator) ValidateLicenseKey(ctx context.Context, licenseKey string) *ValidationResult {
	result := &ValidationResult{InputType: "license_key"}
	sanitized := strings.TrimSpace(licenseKey)
	result.SanitizedValue = sanitized

	switch {
	case sanitized == "":
		result.Errors = append(result.Errors, "license key cannot be empty")
	case len(sanitized) < MinLicenseKeyLength || len(sanitized) > MaxLicenseKeyLength:
		result.Errors = append(result.Errors,
			fmt.Sprintf("license key must be %d to %d characters", MinLicenseKeyLength, MaxLicenseKeyLength))
	case !licenseKeyPattern.MatchString(sanitized):
		result.Errors = append(result.Errors, "license key may contain only letters, digits and dashes")
		result.ThreatTypes = v.detectThreats(sanitized)
	}

	if len(result.ThreatTypes) > 0 {
		v.logSuspiciousInput(ctx, result)
	}
	result.IsValid = len(result.Errors) == 0
	return result
}

// ValidateGymName trims the name and strips control characters
func (v *InputValidator) ValidateGymName(ctx context.Context, gymName string) *ValidationResult {
	result := &ValidationResult{InputType: "gym_name"}
	sanitized := strings.TrimSpace(removeControlCharacters(gymName))
	result.SanitizedValue = sanitized

	switch {
	case !utf8.ValidString(gymName):
		result.Errors = append(result.Errors, "gym name is not valid UTF-8")
		result.ThreatTypes = append(result.ThreatTypes, string(ThreatMalformedInput))
	case sanitized == "":
		result.Errors = append(result.Errors, "gym name cannot be empty")
	case utf8.RuneCountInString(sanitized) > MaxGymNameLength:
		result.Errors = append(result.Errors, fmt.Sprintf("gym name exceeds %d characters", MaxGymNameLength))
	default:
		result.ThreatTypes = v.detectThreats(sanitized)
	}

	if len(result.ThreatTypes) > 0 {
		v.logSuspiciousInput(ctx, result)
	}
	result.IsValid = len(result.Errors) == 0
	return result
}

// removeControlCharacters removes null bytes and control characters
func removeControlCharacters(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r != utf8.RuneError && (unicode.IsPrint(r) || r == ' ') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (v *InputValidator) detectThreats(input string) []string {
	var threats []string
	lower := strings.ToLower(input)
	if strings.Contains(input, "../") || strings.Contains(input, `..\`) {
		threats = append(threats, string(ThreatPathTraversal))
	}
	for _, p := range v.suspiciousPatterns {
		if p.MatchString(lower) {
			threats = append(threats, string(ThreatScriptInjection))
			break
		}
	}
	return threats
}

func (v *InputValidator) initializeSecurityPatterns() {
	patterns := []string{
		`<\s*script`,
		`javascript:`,
		`on\w+\s*=`,
		`<\s*iframe`,
	}
	v.suspiciousPatterns = make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		v.suspiciousPatterns = append(v.suspiciousPatterns, regexp.MustCompile(pattern))
	}
}

// logSuspiciousInput records the threat classes without echoing the input
func (v *InputValidator) logSuspiciousInput(ctx context.Context, result *ValidationResult) {
	v.logger.WarnContext(ctx, "Suspicious input detected",
		slog.String("input_type", result.InputType),
		slog.Int("length", len(result.SanitizedValue)),
		slog.Any("threat_types", result.ThreatTypes),
	)
}
