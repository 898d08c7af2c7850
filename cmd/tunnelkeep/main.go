// tunnelkeep keeps an SSH dynamic-forward (SOCKS5) tunnel alive: it fetches
// credentials, drives the system ssh client, watches tunnel health, and
// reconnects with backoff.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/acolita/tunnelkeep/internal/adapters/realclock"
	"github.com/acolita/tunnelkeep/internal/adapters/realdialog"
	"github.com/acolita/tunnelkeep/internal/config"
	"github.com/acolita/tunnelkeep/internal/credential"
	"github.com/acolita/tunnelkeep/internal/logging"
	"github.com/acolita/tunnelkeep/internal/security"
	"github.com/acolita/tunnelkeep/internal/supervisor"
)

// Version information - set at build time.
var (
	Version   = "1.2.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "Path to a YAML configuration file. Changes are hot-reloaded.")

		apiURL  = pflag.String("api", envOr("TUNNELKEEP_API_URL", ""), "Credential API endpoint URL (used when --host is not provided)")
		timeout = pflag.Duration("timeout", 10*time.Second, "Timeout for the credential API fetch")

		host       = pflag.String("host", "", "Remote SSH host or IP. Enables manual mode, bypassing the API.")
		user       = pflag.String("user", "", "Remote SSH user (default root in manual mode)")
		sshPort    = pflag.Int("ssh-port", 22, "Remote SSH port")
		password   = pflag.String("password", "", "SSH password, or key passphrase for encrypted keys")
		privateKey = pflag.StringP("private-key", "k", "", "Private key: filesystem path (with ~ expansion) or raw PEM content. Also overrides API-mode auth.")

		localPort = pflag.IntP("local-port", "p", 1080, "Local SOCKS5 port")
		localHost = pflag.String("local-host", "127.0.0.1", "Local SOCKS5 bind address")

		logLevel   = pflag.String("log-level", "", "Log level: debug, info, warn, error")
		logFormat  = pflag.String("log-format", "", "Log format: text or json")
		useKeyring = pflag.Bool("use-keyring", false, "Store and look up the manual-mode password in the OS keyring")

		showVersion = pflag.Bool("version", false, "Show version information")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *showVersion {
		fmt.Printf("tunnelkeep version %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg, *apiURL, *timeout, *host, *user, *sshPort, *password, *privateKey, *localHost, *localPort, *logLevel, *logFormat, *useKeyring)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Sanitize)

	slog.Info("starting tunnelkeep", slog.String("version", Version))
	if cfg.ManualMode() {
		slog.Info("mode: manual", slog.String("target", cfg.Manual.Host))
	} else {
		slog.Info("mode: api fetch", slog.String("url", cfg.API.URL))
	}

	source := buildSource(cfg, *privateKey)

	sup := supervisor.New(cfg, source, realclock.New())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot-reload the config file if one was given.
	var watcher *config.Watcher
	if *configPath != "" {
		var werr error
		watcher, werr = config.NewWatcher(*configPath, func(newCfg *config.Config) {
			applyFlags(newCfg, *apiURL, *timeout, *host, *user, *sshPort, *password, *privateKey, *localHost, *localPort, *logLevel, *logFormat, *useKeyring)
			if err := newCfg.Validate(); err != nil {
				slog.Error("ignoring invalid config", slog.String("error", err.Error()))
				return
			}
			sup.UpdateConfig(newCfg)
		})
		if werr != nil {
			slog.Warn("config hot-reload disabled", slog.String("error", werr.Error()))
			watcher = nil
		} else {
			slog.Info("config hot-reload enabled", slog.String("path", *configPath))
		}
	}

	if err := runGroup(ctx, sup, watcher); err != nil && err != context.Canceled {
		return err
	}

	slog.Info("exited cleanly")
	return nil
}

// runGroup runs the supervisor and, when a config watcher is active, ties
// the watcher's lifecycle to the same group: it stays open while the
// supervisor runs and is torn down as soon as the group winds down.
func runGroup(ctx context.Context, sup *supervisor.Supervisor, watcher *config.Watcher) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})
	if watcher != nil {
		g.Go(func() error {
			<-gctx.Done()
			return watcher.Close()
		})
	}

	return g.Wait()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// applyFlags overlays explicitly set flags onto the config. Flags beat the
// file, the file beats defaults.
func applyFlags(cfg *config.Config, apiURL string, timeout time.Duration, host, user string, sshPort int, password, privateKey, localHost string, localPort int, logLevel, logFormat string, useKeyring bool) {
	changed := func(name string) bool { return pflag.CommandLine.Changed(name) }

	if changed("api") || cfg.API.URL == "" {
		cfg.API.URL = apiURL
	}
	if changed("timeout") {
		cfg.API.Timeout = timeout
	}
	if changed("host") {
		cfg.Manual.Host = host
	}
	if changed("user") {
		cfg.Manual.User = user
	}
	if changed("ssh-port") {
		cfg.Manual.Port = sshPort
	}
	if changed("password") {
		cfg.Manual.Password = password
	}
	if changed("private-key") {
		cfg.Manual.PrivateKey = privateKey
	}
	if changed("local-host") {
		cfg.Tunnel.LocalHost = localHost
	}
	if changed("local-port") {
		cfg.Tunnel.LocalPort = localPort
	}
	if changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if changed("use-keyring") {
		cfg.Security.UseKeyring = useKeyring
	}
}

// buildSource selects manual or API credential resolution.
func buildSource(cfg *config.Config, privateKeyFlag string) credential.Source {
	if cfg.ManualMode() {
		src := &credential.ManualSource{
			Host:     cfg.Manual.Host,
			User:     cfg.Manual.User,
			Port:     cfg.Manual.Port,
			Password: cfg.Manual.Password,
			KeyPath:  cfg.Manual.PrivateKey,
			Dialog:   realdialog.New(),
		}
		if cfg.Security.UseKeyring {
			src.Keyring = security.NewKeyringStore()
			src.StoreOnUse = true
		}
		return src
	}

	src := credential.NewAPISource(cfg.API.URL, cfg.API.Timeout)

	// A locally supplied key wins over whatever the API returns.
	return credential.WithKeyOverride(src, privateKeyFlag)
}
