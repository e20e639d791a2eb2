package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/prebuild"
)

var prebuildCmd = &cobra.Command{
	Use:   "prebuild",
	Short: "Prebuild warm images for configured repositories",
	Long: `Clones each configured repository into a fresh sandbox, installs its
dependencies, and publishes a snapshot image that future sessions use
instead of the base image.

Runs one cycle and exits; with --watch it keeps cycling on the
configured interval until interrupted. The exit code is non-zero when
any repository in the final cycle failed.`,
	RunE: runPrebuild,
}

var prebuildWatch bool

func init() {
	prebuildCmd.Flags().BoolVar(&prebuildWatch, "watch", false, "Keep running cycles on the configured interval")
	rootCmd.AddCommand(prebuildCmd)
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func runPrebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Prebuild.Repos) == 0 {
		logInfo("No repositories configured under [prebuild]; nothing to do")
		return nil
	}
	p, err := getProvider()
	if err != nil {
		return err
	}

	s := prebuild.NewScheduler(p, cfg, config.CredentialsFromEnv())
	s.Alert = func(summary *prebuild.CycleSummary) {
		logWarning("Prebuild cycle finished with %d failed repositories", summary.Failed)
	}

	if prebuildWatch {
		logInfo("Prebuilding %d repositories every %s", len(cfg.Prebuild.Repos), cfg.Prebuild.Interval.Duration)
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := s.Run(ctx); err != context.Canceled {
			return err
		}
		logInfo("Prebuild watch stopped")
		return nil
	}

	summary := s.RunCycle(cmd.Context())
	printCycleSummary(summary)
	return summary.Err()
}

func printCycleSummary(summary *prebuild.CycleSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tRESULT\tATTEMPTS\tDURATION")
	for _, r := range summary.Results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			r.Repo, formatResult(r), r.Attempts, dimStyle.Render(r.Duration.Round(time.Second).String()))
	}
	w.Flush()

	line := fmt.Sprintf("%d succeeded, %d failed", summary.Succeeded, summary.Failed)
	if summary.Failed > 0 {
		fmt.Println(failStyle.Render(line))
	} else {
		fmt.Println(okStyle.Render(line))
	}
}

func formatResult(r prebuild.Result) string {
	if r.Success {
		return okStyle.Render("✓ built")
	}
	reason := "unknown"
	if r.Err != nil {
		reason = firstLine(r.Err.Error())
	}
	return failStyle.Render("✗ " + reason)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
