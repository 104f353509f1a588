package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/realty/pkg/session"
	"github.com/spf13/cobra"
)

var historyJSON bool

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print the stored conversation of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions with stored history",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print messages as JSON")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openBackend(cmd *cobra.Command) (session.Backend, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	backend, err := session.Open(cfg.Sessions.Backend, cfg.Sessions.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return backend, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	if key == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	backend, err := openBackend(cmd)
	if err != nil {
		return err
	}
	defer backend.Close()

	msgs, err := backend.Load(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}

	if len(msgs) == 0 {
		fmt.Fprintf(out, "No history for session %s\n", key)
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.Role, m.Content)
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	backend, err := openBackend(cmd)
	if err != nil {
		return err
	}
	defer backend.Close()

	keys, err := backend.Sessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}
