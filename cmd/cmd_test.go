package cmd

import (
	"strings"
	"testing"

	"github.com/harvest-engineering/harvest-executor/internal/config"
	"github.com/harvest-engineering/harvest-executor/internal/prebuild"
	"github.com/harvest-engineering/harvest-executor/internal/provider"
)

func TestParseRepoArg(t *testing.T) {
	tests := []struct {
		arg     string
		wantErr bool
	}{
		{"acme/webapp", false},
		{"acme", true},
		{"/webapp", true},
		{"acme/", true},
		{"acme/web app", true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			sessionBranch = "main"
			repo, err := parseRepoArg(tt.arg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRepoArg(%q) error = %v, wantErr %v", tt.arg, err, tt.wantErr)
			}
			if err == nil && repo.Branch != "main" {
				t.Errorf("branch = %q, want main", repo.Branch)
			}
		})
	}
}

func TestSandboxKind(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"harvest-session-1a2b3c4d", "session"},
		{"harvest-prebuild-acme-webapp-123", "prebuild"},
		{"harvest-mystery", "unknown"},
	}
	for _, tt := range tests {
		got := sandboxKind(&provider.Handle{ID: tt.id})
		if got != tt.want {
			t.Errorf("sandboxKind(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestFormatResult(t *testing.T) {
	ok := prebuild.Result{Repo: config.RepoRef{Owner: "acme", Name: "x"}, Success: true}
	if !strings.Contains(formatResult(ok), "built") {
		t.Errorf("success result = %q", formatResult(ok))
	}

	failed := prebuild.Result{
		Repo: config.RepoRef{Owner: "acme", Name: "y"},
		Err:  errTwoLines{},
	}
	got := formatResult(failed)
	if !strings.Contains(got, "first") || strings.Contains(got, "second") {
		t.Errorf("failure result should keep only the first error line, got %q", got)
	}
}

type errTwoLines struct{}

func (errTwoLines) Error() string { return "first\nsecond" }
