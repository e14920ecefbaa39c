package agent

import (
	"context"
	"os/exec"
	"testing"

	"github.com/legionhq/legion/internal/common/config"
	v1 "github.com/legionhq/legion/pkg/api/v1"
	"github.com/legionhq/legion/pkg/claudecode"
)

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		Binary:      "claude",
		InitTimeout: 5,
		StopGrace:   1,
	}
}

func TestClaudeDriver_BuildArgs(t *testing.T) {
	cfg := testConfig()
	cfg.ExtraArgs = []string{"--dangerously-skip-update-check"}
	d := NewClaudeDriver(cfg, testLogger())

	args := d.buildArgs(StartParams{
		Model:              "claude-sonnet-4-5",
		PermissionMode:     v1.PermissionModePlan,
		AllowedTools:       []string{"Read", "Glob"},
		SystemPromptAppend: "You are minion alpha.",
	})

	want := map[string]string{
		"--input-format":         "stream-json",
		"--output-format":        "stream-json",
		"--model":                "claude-sonnet-4-5",
		"--permission-mode":      "plan",
		"--allowedTools":         "Read,Glob",
		"--append-system-prompt": "You are minion alpha.",
	}
	got := map[string]string{}
	for i := 0; i < len(args)-1; i++ {
		if _, ok := want[args[i]]; ok {
			got[args[i]] = args[i+1]
		}
	}
	for flag, val := range want {
		if got[flag] != val {
			t.Errorf("flag %s = %q, want %q", flag, got[flag], val)
		}
	}

	last := args[len(args)-1]
	if last != "--dangerously-skip-update-check" {
		t.Errorf("extra args not appended, last = %q", last)
	}
}

func TestClaudeDriver_BuildArgsOmitsEmpty(t *testing.T) {
	d := NewClaudeDriver(testConfig(), testLogger())
	args := d.buildArgs(StartParams{})
	for _, a := range args {
		switch a {
		case "--model", "--permission-mode", "--allowedTools", "--append-system-prompt":
			t.Errorf("flag %s present for empty params", a)
		}
	}
}

func TestTranslateSuggestions(t *testing.T) {
	got := translateSuggestions([]claudecode.PermissionUpdate{
		{Type: "addRules", Rules: []string{"Bash(ls:*)", "Read"}},
		{Type: "setMode", Mode: "acceptEdits"},
		{Type: "other", Rules: []string{"X"}, Behavior: "allow"},
	})

	if len(got) != 4 {
		t.Fatalf("len = %d, want 4 (two rules + mode + extend)", len(got))
	}
	if got[0].Type != v1.SuggestionAddAllowedTool || got[0].Tool != "Bash(ls:*)" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Type != v1.SuggestionAddAllowedTool || got[1].Tool != "Read" {
		t.Errorf("got[1] = %+v", got[1])
	}
	if got[2].Type != v1.SuggestionSetMode || got[2].Mode != v1.PermissionModeAcceptEdits {
		t.Errorf("got[2] = %+v", got[2])
	}
	if got[3].Type != v1.SuggestionExtendRule || got[3].Match != "X" || got[3].Effect != "allow" {
		t.Errorf("got[3] = %+v", got[3])
	}
}

func TestClaudeDriver_SendBeforeStart(t *testing.T) {
	d := NewClaudeDriver(testConfig(), testLogger())
	if err := d.Send(context.Background(), "hi"); err != ErrNotStarted {
		t.Fatalf("Send before start = %v, want ErrNotStarted", err)
	}
}

func TestClaudeDriver_StopBeforeStartIsNoop(t *testing.T) {
	d := NewClaudeDriver(testConfig(), testLogger())
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before start = %v, want nil", err)
	}
}

func TestClaudeDriver_StopDrainsReaders(t *testing.T) {
	d := NewClaudeDriver(testConfig(), testLogger())

	cmd := exec.Command("sh", "-c", "echo boom >&2")
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	d.cmd = cmd
	d.started = true

	d.wg.Add(2)
	go d.readStderr(stderr)
	go d.waitForExit()

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
	select {
	case <-d.stderrDone:
	default:
		t.Fatal("stderr reader still running after Stop returned")
	}
	select {
	case <-d.doneCh:
	default:
		t.Fatal("exit reaper still running after Stop returned")
	}
}
