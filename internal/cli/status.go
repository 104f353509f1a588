package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/realty/internal/config"
	"github.com/harun/realty/internal/daemon"
	"github.com/harun/realty/pkg/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show whether a realty server is running for the configured data directory,
how many sessions the history store holds and, when the server answers, its
live health report.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// healthReport mirrors the body of GET /healthz.
type healthReport struct {
	Status   string  `json:"status"`
	Sessions int     `json:"sessions"`
	Clients  int     `json:"clients"`
	Uptime   float64 `json:"uptime"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.ReadPID(daemon.PIDFilePath(cfg.DataDir))
	running := err == nil && daemon.ProcessRunning(pid)

	if running {
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		fmt.Fprintf(out, "Listening: %s\n", serverAddr(cfg))
		if report, err := probeHealth(cmd.Context(), cfg); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Duration(report.Uptime*float64(time.Second))))
			fmt.Fprintf(out, "Active sessions: %d\n", report.Sessions)
			fmt.Fprintf(out, "WebSocket clients: %d\n", report.Clients)
		} else {
			fmt.Fprintf(out, "Health: unreachable (%v)\n", err)
		}
	} else {
		fmt.Fprintln(out, "Status: stopped")
	}

	fmt.Fprintf(out, "Session store: %s (%s)\n", cfg.Sessions.Path, cfg.Sessions.Backend)
	if !running {
		if n, err := countStoredSessions(cmd.Context(), cfg); err == nil {
			fmt.Fprintf(out, "Stored sessions: %d\n", n)
		}
	}
	return nil
}

func serverAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

func probeHealth(ctx context.Context, cfg *config.Config) (*healthReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+serverAddr(cfg)+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

func countStoredSessions(ctx context.Context, cfg *config.Config) (int, error) {
	if _, err := os.Stat(cfg.Sessions.Path); err != nil {
		return 0, err
	}
	backend, err := session.Open(cfg.Sessions.Backend, cfg.Sessions.Path)
	if err != nil {
		return 0, err
	}
	defer backend.Close()

	keys, err := backend.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
