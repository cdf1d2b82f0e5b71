package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/errkind"
	"github.com/blueplane/telemetry-core/internal/supervisor"
)

const defaultHTTPAddr = "127.0.0.1:8787"

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the telemetry pipeline process",
	}
	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerStopCmd())
	cmd.AddCommand(newServerRestartCmd())
	cmd.AddCommand(newServerStatusCmd())
	return cmd
}

func loadConfigOrExit(cmd *cobra.Command) *config.Config {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	cfg, err := config.Load(dataDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(2)
	}
	return cfg
}

func newServerStartCmd() *cobra.Command {
	var daemon bool
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the pipeline in the foreground (or detached with --daemon)",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit(cmd)

			if daemon && os.Getenv("BP_DAEMON_FOREGROUND") != "1" {
				startDetached(cfg, httpAddr)
				return
			}

			runForeground(cfg, httpAddr)
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "detach and run in the background")
	cmd.Flags().StringVar(&httpAddr, "http-addr", defaultHTTPAddr, "address for the /healthz and /status surface")
	return cmd
}

// runForeground is both the direct `server start` path and the body of the
// detached child process re-exec'd by startDetached.
func runForeground(cfg *config.Config, httpAddr string) {
	pidPath := supervisor.PidFilePath(cfg.Paths.DataDir)
	if pid, err := supervisor.ReadPidFile(pidPath); err == nil && pid > 0 {
		if running, _ := supervisor.IsRunningBlueplane(pid); running {
			log.Error().Int("pid", pid).Msg("a blueplane instance is already running")
			os.Exit(1)
		}
	}

	svc, err := supervisor.New(cfg, httpAddr, log.Logger)
	if err != nil {
		if errors.Is(err, errkind.Config) {
			log.Error().Err(err).Msg("configuration error")
			os.Exit(2)
		}
		log.Error().Err(err).Msg("failed to initialize store/mq")
		os.Exit(3)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start pipeline")
		os.Exit(3)
	}

	if err := supervisor.WritePidFile(pidPath); err != nil {
		log.Warn().Err(err).Msg("failed to write pid file")
	}
	defer func() { _ = supervisor.RemovePidFile(pidPath) }()

	log.Info().Str("version", Version).Str("http_addr", httpAddr).Msg("blueplane pipeline started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("blueplane shutdown complete")
}

// startDetached re-execs the current binary with the foreground marker set
// and its own session, then exits once the child is confirmed alive.
func startDetached(cfg *config.Config, httpAddr string) {
	exe, err := os.Executable()
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve executable path")
		os.Exit(2)
	}

	logPath := cfg.Paths.DataDir + string(os.PathSeparator) + "blueplane.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.Error().Err(err).Msg("failed to open daemon log file")
		os.Exit(2)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, "server", "start", "--http-addr", httpAddr)
	child.Env = append(os.Environ(), "BP_DAEMON_FOREGROUND=1")
	child.Stdout = logFile
	child.Stderr = logFile
	detachAttrs(child)

	if err := child.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start daemon process")
		os.Exit(3)
	}

	log.Info().Int("pid", child.Process.Pid).Str("log", logPath).Msg("blueplane daemon started")
	os.Exit(0)
}

func newServerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal a running instance to drain and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit(cmd)
			pidPath := supervisor.PidFilePath(cfg.Paths.DataDir)

			pid, err := supervisor.ReadPidFile(pidPath)
			if err != nil || pid == 0 {
				log.Error().Msg("no running instance found")
				os.Exit(1)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				log.Error().Err(err).Int("pid", pid).Msg("failed to locate process")
				os.Exit(1)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				log.Error().Err(err).Int("pid", pid).Msg("failed to signal process")
				os.Exit(1)
			}

			log.Info().Int("pid", pid).Msg("sent stop signal, waiting for clean drain")
		},
	}
}

func newServerRestartCmd() *cobra.Command {
	var daemon bool
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit(cmd)
			pidPath := supervisor.PidFilePath(cfg.Paths.DataDir)

			if pid, err := supervisor.ReadPidFile(pidPath); err == nil && pid > 0 {
				if running, _ := supervisor.IsRunningBlueplane(pid); running {
					if proc, err := os.FindProcess(pid); err == nil {
						_ = proc.Signal(syscall.SIGTERM)
					}
					waitForPidFileGone(pidPath, 30*time.Second)
				}
			}

			if daemon {
				startDetached(cfg, httpAddr)
				return
			}
			runForeground(cfg, httpAddr)
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "detach and run in the background")
	cmd.Flags().StringVar(&httpAddr, "http-addr", defaultHTTPAddr, "address for the /healthz and /status surface")
	return cmd
}

func waitForPidFileGone(pidPath string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pidPath); os.IsNotExist(err) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func newServerStatusCmd() *cobra.Command {
	var verbose bool
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report pipeline health, MQ depth, PEL sizes, and active sessions",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit(cmd)
			pidPath := supervisor.PidFilePath(cfg.Paths.DataDir)

			pid, err := supervisor.ReadPidFile(pidPath)
			if err != nil || pid == 0 {
				fmt.Println("blueplane: not running")
				os.Exit(1)
			}
			running, _ := supervisor.IsRunningBlueplane(pid)
			if !running {
				fmt.Println("blueplane: stale pid file, instance not running")
				os.Exit(1)
			}

			fmt.Printf("blueplane: running (pid %d)\n", pid)
			if verbose {
				printVerboseStatus(httpAddr)
			}
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print MQ depth, PEL sizes, and active session counts")
	cmd.Flags().StringVar(&httpAddr, "http-addr", defaultHTTPAddr, "address the running instance's status surface listens on")
	return cmd
}

// remoteStatus mirrors the JSON shape internal/supervisor's /status handler
// serves; decoded independently here since the CLI talks to a (possibly
// different) process over loopback HTTP rather than linking the supervisor
// package directly.
type remoteStatus struct {
	UptimeSeconds  float64                    `json:"uptime_seconds"`
	Overall        string                     `json:"overall"`
	Components     map[string]remoteComponent `json:"components"`
	MQDepth        map[string]int64           `json:"mq_depth"`
	PELSize        map[string]int64           `json:"pel_size"`
	ActiveSessions int                        `json:"active_sessions"`
	DedupCacheSize int                        `json:"dedup_cache_size"`
}

type remoteComponent struct {
	State         string    `json:"state"`
	LastError     string    `json:"last_error,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

func printVerboseStatus(httpAddr string) {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", httpAddr))
	if err != nil {
		fmt.Printf("status surface unreachable at http://%s/status: %v\n", httpAddr, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	var st remoteStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Printf("failed to decode status response: %v\n", err)
		return
	}

	fmt.Printf("overall: %s (up %s)\n", st.Overall, humanize.RelTime(time.Now().Add(-time.Duration(st.UptimeSeconds)*time.Second), time.Now(), "", ""))
	fmt.Printf("active sessions: %d, dedup cache: %d entries\n", st.ActiveSessions, st.DedupCacheSize)
	for stream, depth := range st.MQDepth {
		fmt.Printf("mq depth[%s]: %s, pel[%s]: %s\n", stream, humanize.Comma(depth), stream, humanize.Comma(st.PELSize[stream]))
	}
	for name, c := range st.Components {
		last := "never"
		if !c.LastSuccessAt.IsZero() {
			last = humanize.Time(c.LastSuccessAt)
		}
		fmt.Printf("component[%s]: %s, last success %s\n", name, c.State, last)
		if c.LastError != "" {
			fmt.Printf("  last error: %s\n", c.LastError)
		}
	}
}
