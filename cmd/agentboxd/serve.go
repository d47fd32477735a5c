package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentbox/agentboxd/internal/supervisor"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "agentboxd")
	}
	return fmt.Sprintf("/run/user/%d/agentboxd", os.Getuid())
}

func newServeCommand() *cobra.Command {
	var (
		runtimeDir          string
		controlSocketPath   string
		sshSocketPath       string
		adminAddr           string
		enablePprof         bool
		overlayInterface    string
		overlayPollInterval time.Duration
		logLevel            string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the agentboxd supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log-level %q: %w", logLevel, err)
			}
			log.SetLevel(level)

			if controlSocketPath == "" {
				controlSocketPath = filepath.Join(runtimeDir, "agentboxd.sock")
			}
			if sshSocketPath == "" {
				sshSocketPath = filepath.Join(runtimeDir, "ssh.sock")
			}
			if err := os.MkdirAll(runtimeDir, 0700); err != nil {
				return fmt.Errorf("create runtime dir: %w", err)
			}

			ignoreSIGPIPE()

			cfg := supervisor.Config{
				SSHSocketPath:         sshSocketPath,
				ControlSocketPath:     controlSocketPath,
				AdminAddr:             adminAddr,
				EnablePprof:           enablePprof,
				OverlayInterface:      overlayInterface,
				OverlayPollInterval:   overlayPollInterval,
				FallbackBindAddresses: []string{"127.0.0.1"},
			}

			sup, err := supervisor.New(cfg)
			if err != nil {
				return fmt.Errorf("build supervisor: %w", err)
			}
			if err := sup.Run(); err != nil {
				return fmt.Errorf("start supervisor: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			log.Info("agentboxd: shutting down")
			sup.Shutdown()
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&runtimeDir, "runtime-dir", defaultRuntimeDir(), "directory holding agentboxd's Unix sockets [$XDG_RUNTIME_DIR/agentboxd by convention]")
	flags.StringVar(&controlSocketPath, "control-socket", "", "local control socket path (defaults under --runtime-dir)")
	flags.StringVar(&sshSocketPath, "ssh-socket", "", "SSH listener Unix socket path (defaults under --runtime-dir)")
	flags.StringVar(&adminAddr, "admin-addr", ":9995", "admin/metrics HTTP listen address, empty to disable")
	flags.BoolVar(&enablePprof, "enable-pprof", false, "expose /debug/pprof/ on the admin server")
	flags.StringVar(&overlayInterface, "overlay-interface", "", "overlay network interface to bind remote-direction forwards to (e.g. tailscale0)")
	flags.DurationVar(&overlayPollInterval, "overlay-poll-interval", supervisor.DefaultOverlayPollInterval, "how often to re-read the overlay interface's addresses")
	flags.StringVar(&logLevel, "log-level", log.InfoLevel.String(), "log level: panic, fatal, error, warn, info, debug, trace")

	return cmd
}

// ignoreSIGPIPE prevents a broken control-socket or SSH peer from killing
// the daemon outright, matching original_source's signal.signal(SIGPIPE,
// _handle_sigpipe): log and carry on rather than crash.
func ignoreSIGPIPE() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGPIPE)
	go func() {
		for range sigs {
			log.Debug("agentboxd: received SIGPIPE, ignoring")
		}
	}()
}
