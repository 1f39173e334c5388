// Command execbridge is the entry point for the trade execution bridge. It
// loads configuration, validates it, sets up logging and signal handling, and
// starts the application in the configured mode.
//
// Usage:
//
//	execbridge -config config.toml
//	execbridge encrypt-secret -out secret.json   (reads secret and password from stdin)
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/execbridge/internal/app"
	"github.com/alanyoungcy/execbridge/internal/config"
	"github.com/alanyoungcy/execbridge/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-secret" {
		if err := encryptSecret(os.Args[2:], os.Stdin); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, closeLog, err := app.NewLogger(cfg, os.Stdout)
	if err != nil {
		slog.Error("failed to open log file", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	logger.Info("execbridge starting",
		slog.String("mode", cfg.Mode),
		slog.String("execution_mode", cfg.Bridge.Mode),
		slog.String("config", *configPath),
	)
	redacted := config.RedactedConfig(cfg)
	logger.Debug("effective configuration", slog.Any("config", redacted))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("execbridge stopped")
}

// encryptSecret writes an encrypted API secret file for
// exchange.encrypted_secret_path. The first stdin line is the secret, the
// second the password.
func encryptSecret(args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("encrypt-secret", flag.ContinueOnError)
	out := fs.String("out", "secret.json", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sc := bufio.NewScanner(stdin)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(lines) < 2 || lines[0] == "" || lines[1] == "" {
		return errors.New("expected the secret and the password on two stdin lines")
	}

	data, err := crypto.EncryptSecret(lines[0], lines[1])
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *out)
	return nil
}
