package prebuild

import (
	"fmt"
	"strings"

	"github.com/harvest-engineering/harvest-executor/internal/config"
)

// ImageFor returns the snapshot tag a prebuild publishes for a
// repository and a session later prefers over the base image.
func ImageFor(repo config.RepoRef) string {
	owner := strings.ToLower(repo.Owner)
	name := strings.ToLower(repo.Name)
	return fmt.Sprintf("harvest/prebuilt-%s-%s:latest", owner, name)
}
