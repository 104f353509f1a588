package cli

import (
	"fmt"
	"strings"

	"github.com/harun/realty/internal/daemon"
	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <prompt>",
	Short: "Show which category and agent a prompt routes to",
	Long: `Classify a prompt with the configured keyword rules without calling
any agent. All arguments are joined into one prompt.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return fmt.Errorf("prompt cannot be empty")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := daemon.BuildClassifier(cfg)
	if err != nil {
		return err
	}

	category := c.Classify(prompt)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "category: %s\n", category)
	if name, ok := daemon.AgentName(cfg, category); ok {
		fmt.Fprintf(out, "agent: %s\n", name)
	} else {
		fmt.Fprintln(out, "agent: (none bound)")
	}
	return nil
}
