// Command licensectl inspects and manages the license on this device
// without the local API running.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gymdesk/internal/config"
	"gymdesk/internal/infrastructure"
	"gymdesk/internal/license"
	"gymdesk/pkg/contracts"
	"gymdesk/pkg/contracts/domain"
)

// licenseSession is the part of *license.Session the commands drive
type licenseSession interface {
	Activate(ctx context.Context, licenseKey, gymName string) domain.ActivationResult
	Validate(ctx context.Context, licenseKey string, opts domain.ValidateOptions) domain.ValidationOutcome
	Status(ctx context.Context) domain.LicenseStatus
	ClearCache(ctx context.Context) domain.ClearResult
	DeviceFingerprint(ctx context.Context) string
	Close()
}

const usage = `Usage: licensectl <command> [flags]

Commands:
  activate     -key KEY -gym NAME   bind a license key to this device
  validate     [-key KEY] [-force]  check the cached license
  status                            show the license status
  clear                             remove the license from this device
  fingerprint                       print this device's fingerprint
  version                           print version information
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, openSession))
}

func openSession(cfg *config.Config, logger *slog.Logger) (licenseSession, error) {
	return license.NewSessionFromConfig(cfg, logger, nil, nil)
}

// run executes one command and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer, open func(*config.Config, *slog.Logger) (licenseSession, error)) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	command, rest := args[0], args[1:]
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "path to a YAML configuration file")
	key := fs.String("key", "", "license key")
	gym := fs.String("gym", "", "gym name")
	force := fs.Bool("force", false, "contact the license server even when the cache is fresh")
	verbose := fs.Bool("v", false, "log to stderr")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	if command == "version" {
		return writeJSON(stdout, stderr, contracts.GetVersionInfo())
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(stderr, "licensectl: %v\n", err)
		return 1
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := infrastructure.WithComponent(
		slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: logLevel})), "licensectl")

	session, err := open(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "licensectl: %v\n", err)
		return 1
	}
	defer session.Close()

	ctx = infrastructure.ContextWithTraceID(ctx)
	switch command {
	case "activate":
		if *key == "" || *gym == "" {
			fmt.Fprintln(stderr, "licensectl: activate needs -key and -gym")
			return 2
		}
		result := session.Activate(ctx, *key, *gym)
		return exitCode(result.Success, writeJSON(stdout, stderr, result))

	case "validate":
		outcome := session.Validate(ctx, *key, domain.ValidateOptions{ForceOnline: *force})
		return exitCode(outcome.Valid, writeJSON(stdout, stderr, outcome))

	case "status":
		status := session.Status(ctx)
		return exitCode(status.State == domain.StateActive, writeJSON(stdout, stderr, status))

	case "clear":
		result := session.ClearCache(ctx)
		return exitCode(result.Error == "", writeJSON(stdout, stderr, result))

	case "fingerprint":
		fp := session.DeviceFingerprint(ctx)
		if fp == "" {
			fmt.Fprintln(stderr, "licensectl: device fingerprint unavailable")
			return 1
		}
		fmt.Fprintln(stdout, fp)
		return 0

	default:
		fmt.Fprintf(stderr, "licensectl: unknown command %q\n\n%s", command, usage)
		return 2
	}
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "licensectl: %v\n", err)
		return 1
	}
	return 0
}

func exitCode(ok bool, writeCode int) int {
	if writeCode != 0 {
		return writeCode
	}
	if !ok {
		return 1
	}
	return 0
}
