package gitsync

import (
	"context"
	"fmt"

	shellquote "github.com/kballard/go-shellquote"
)

// Identity holds the git identity and credentials configured inside a
// sandbox before the repository is cloned.
type Identity struct {
	Name  string
	Email string

	// Token authenticates HTTPS remotes via the credential store; it is
	// never embedded in clone URLs.
	Token string
}

// attributionSuffix marks commits authored through the orchestrator.
const attributionSuffix = " (Harvest)"

// ConfigureIdentity sets up git identity and credentials in a sandbox.
// Runs before cloning so the token never appears in command arguments.
func ConfigureIdentity(ctx context.Context, run Execer, id Identity) error {
	if _, err := git(ctx, run, "config", "--global", "credential.helper", "store"); err != nil {
		return err
	}

	if id.Token != "" {
		creds := fmt.Sprintf("https://x-access-token:%s@github.com", id.Token)
		script := fmt.Sprintf("printf '%%s\\n' %s > ~/.git-credentials && chmod 600 ~/.git-credentials",
			shellquote.Join(creds))
		res, err := run(ctx, "bash", "-c", script)
		if err != nil {
			return fmt.Errorf("writing git credentials: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("writing git credentials failed (exit %d)", res.ExitCode)
		}
	}

	if _, err := git(ctx, run, "config", "--global", "user.email", id.Email); err != nil {
		return err
	}
	if _, err := git(ctx, run, "config", "--global", "user.name", id.Name+attributionSuffix); err != nil {
		return err
	}
	if _, err := git(ctx, run, "config", "--global", "push.autoSetupRemote", "true"); err != nil {
		return err
	}
	if _, err := git(ctx, run, "config", "--global", "init.defaultBranch", "main"); err != nil {
		return err
	}

	return nil
}
