package history

import (
	"strings"
	"testing"
	"time"
)

func TestBuildContextPrompt_NoHistoryPassthrough(t *testing.T) {
	l, err := Open(t.TempDir(), "s1")
	if err != nil {
		t.Fatal(err)
	}

	got := l.BuildContextPrompt("Fix the auth bug")
	if got != "Fix the auth bug" {
		t.Errorf("got %q, want prompt unchanged", got)
	}
}

func TestBuildContextPrompt_IncludesHistory(t *testing.T) {
	l, err := Open(t.TempDir(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AddExchange("Fix the auth bug", "I fixed it in auth.py"); err != nil {
		t.Fatal(err)
	}

	got := l.BuildContextPrompt("Add tests")
	if !strings.HasPrefix(got, "Previous conversation:\n") {
		t.Errorf("prompt missing history header: %q", got)
	}
	for _, want := range []string{
		"user: Fix the auth bug\n",
		"assistant: I fixed it in auth.py\n",
		"\nUser: Add tests\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestBuildContextPrompt_WindowKeepsLastMessages(t *testing.T) {
	l, err := Open(t.TempDir(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		prompt := "prompt-" + string(rune('a'+i))
		if err := l.AddExchange(prompt, "response-"+string(rune('a'+i))); err != nil {
			t.Fatal(err)
		}
	}

	got := l.BuildContextPrompt("next")
	// 8 exchanges = 16 messages; only the trailing 10 survive.
	if strings.Contains(got, "prompt-a") || strings.Contains(got, "prompt-b") || strings.Contains(got, "prompt-c") {
		t.Errorf("old messages leaked past the window:\n%s", got)
	}
	if !strings.Contains(got, "prompt-h") || !strings.Contains(got, "response-h") {
		t.Errorf("latest exchange missing from window:\n%s", got)
	}
}

func TestLog_ReplayAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AddExchange("Fix the bug", "Done"); err != nil {
		t.Fatal(err)
	}
	if err := l.MarkFileModified("auth.py"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, "s1")
	if err != nil {
		t.Fatal(err)
	}
	msgs := reopened.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after reopen, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s,%s, want user,assistant", msgs[0].Role, msgs[1].Role)
	}
	files := reopened.ModifiedFiles()
	if len(files) != 1 || files[0] != "auth.py" {
		t.Errorf("ModifiedFiles() = %v, want [auth.py]", files)
	}
}

func TestModifiedFiles_RecentFirstAndDeduped(t *testing.T) {
	l, err := Open(t.TempDir(), "s1")
	if err != nil {
		t.Fatal(err)
	}

	if err := l.MarkFileModified("a.go"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := l.MarkFileModified("b.go"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := l.MarkFileModified("a.go"); err != nil {
		t.Fatal(err)
	}

	files := l.ModifiedFiles()
	if len(files) != 2 {
		t.Fatalf("got %v, want two distinct paths", files)
	}
	if files[0] != "a.go" {
		t.Errorf("most recently touched should come first, got %v", files)
	}
}

func TestLog_SessionsIsolated(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir, "s1")
	if err != nil {
		t.Fatal(err)
	}
	l2, err := Open(dir, "s2")
	if err != nil {
		t.Fatal(err)
	}
	if err := l1.AddExchange("hello", "hi"); err != nil {
		t.Fatal(err)
	}

	if got := len(l2.Messages()); got != 0 {
		t.Errorf("session s2 sees %d messages from s1", got)
	}
}
