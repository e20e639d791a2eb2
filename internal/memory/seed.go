package memory

import (
	"fmt"

	"github.com/harvest-engineering/harvest-executor/internal/config"
)

// seedRecords is the fixed starter graph written once per repository.
// The in-sandbox agent extends it; the orchestrator only reads it back.
func seedRecords(repo config.RepoRef) []record {
	return []record{
		{
			Type:       "entity",
			Name:       "HarvestSession",
			EntityType: "process",
			Observations: []string{
				"One interactive coding session bound to one sandbox",
				"Prompts are processed strictly in order, one at a time",
				"Work is pushed back to the remote branch before the sandbox is destroyed",
			},
		},
		{
			Type:       "entity",
			Name:       "EnvironmentConfig",
			EntityType: "configuration",
			Observations: []string{
				fmt.Sprintf("Repository %s, default branch %s", repo, repo.Branch),
				"Dependencies are preinstalled when a prebuilt image exists",
				"Credentials come from the environment, never from the repository",
			},
		},
		{
			Type:       "entity",
			Name:       "GitWorkflow",
			EntityType: "convention",
			Observations: []string{
				"Uncommitted work is committed as a snapshot, never stashed",
				"Local commits are rebased onto the remote tip before pushing",
				"Pushes use --force-with-lease, never an unconditional force",
			},
		},
		{Type: "relation", From: "HarvestSession", To: "EnvironmentConfig", RelationType: "uses"},
		{Type: "relation", From: "HarvestSession", To: "GitWorkflow", RelationType: "follows"},
	}
}
