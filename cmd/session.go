package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/memory"
	"github.com/harvest-engineering/harvest-executor/internal/provider"
	"github.com/harvest-engineering/harvest-executor/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run and inspect agent sessions",
}

var sessionRunCmd = &cobra.Command{
	Use:   "run <owner>/<repo>",
	Short: "Run an interactive session against a repository",
	Long: `Creates a sandbox for the repository, attaches the agent, and reads
prompts from stdin, one per line. Output streams to stdout as the agent
produces it. Ctrl-C cancels the in-flight turn; end of input terminates
the session after a final git sync.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionRun,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live session sandboxes",
	RunE:  runSessionList,
}

var sessionTerminateCmd = &cobra.Command{
	Use:   "terminate <sandbox>",
	Short: "Destroy a session sandbox",
	Long: `Destroys a sandbox left behind by a crashed or orphaned session.
Unpushed work in the sandbox is lost; a live session should instead be
ended by closing its input.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionTerminate,
}

var sessionBranch string

func init() {
	sessionRunCmd.Flags().StringVarP(&sessionBranch, "branch", "b", "main", "Branch to work on")
	sessionCmd.AddCommand(sessionRunCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionTerminateCmd)
	rootCmd.AddCommand(sessionCmd)
}

func parseRepoArg(arg string) (config.RepoRef, error) {
	owner, name, ok := strings.Cut(arg, "/")
	if !ok || owner == "" || name == "" {
		return config.RepoRef{}, fmt.Errorf("repository must be <owner>/<repo>, got %q", arg)
	}
	repo := config.RepoRef{Owner: owner, Name: name, Branch: sessionBranch}
	return repo, repo.Validate()
}

func runSessionRun(cmd *cobra.Command, args []string) error {
	repo, err := parseRepoArg(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := config.PathsFor(cfg)
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	p, err := getProvider()
	if err != nil {
		return err
	}

	deps := session.Deps{
		Provider:    p,
		Config:      cfg,
		Paths:       paths,
		Registry:    session.NewRegistry(),
		Credentials: config.CredentialsFromEnv(),
		Memory:      memory.NewStore(paths.MemoryDir),
		Sink: func(_ string, _ int, chunk []byte) {
			os.Stdout.Write(chunk)
		},
	}

	logInfo("Creating session for %s (branch %s)", repo, repo.Branch)
	m, err := session.Create(cmd.Context(), deps, repo)
	if err != nil {
		return err
	}
	sess := m.Session()
	logSuccess("Session %s ready", sess.ID)

	// Ctrl-C cancels the in-flight turn instead of killing the process;
	// a second interrupt within the same turn still only cancels.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			m.Cancel()
			logWarning("Turn cancelled")
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if _, err := m.SendPrompt(prompt); err != nil {
			logError("Prompt rejected: %v", err)
			break
		}
	}

	logInfo("Ending session %s", sess.ID)
	m.Terminate(session.ReasonRequested)

	if refs := sess.CheckpointRefs(); len(refs) > 0 {
		logWarning("Unpushed work is protected by git refs left in the remote clone:")
		for _, ref := range refs {
			logWarning("  %s", ref)
		}
	}
	logSuccess("Session %s finished (%s)", sess.ID, sess.Status())
	return scanner.Err()
}

func runSessionList(cmd *cobra.Command, args []string) error {
	p, err := getProvider()
	if err != nil {
		return err
	}

	handles, err := p.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sandboxes: %w", err)
	}
	if len(handles) == 0 {
		logInfo("No live sandboxes. Start one with: harvest-ctl session run <owner>/<repo>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SANDBOX\tIMAGE\tKIND")
	for _, h := range handles {
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.ID, h.Image, sandboxKind(h))
	}
	return w.Flush()
}

func sandboxKind(h *provider.Handle) string {
	name := strings.TrimPrefix(h.ID, sandboxNamePrefix)
	kind, _, ok := strings.Cut(name, "-")
	if !ok {
		return "unknown"
	}
	return kind
}

func runSessionTerminate(cmd *cobra.Command, args []string) error {
	p, err := getProvider()
	if err != nil {
		return err
	}

	name := args[0]
	if !strings.HasPrefix(name, sandboxNamePrefix) {
		return fmt.Errorf("%s is not a harvest sandbox", name)
	}

	if err := p.Destroy(cmd.Context(), &provider.Handle{ID: name}); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", name, err)
	}
	logSuccess("Destroyed %s", name)
	return nil
}
