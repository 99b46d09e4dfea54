package main

import (
	"errors"
	"testing"

	"github.com/sasa-tomic/openclaw-lxd/internal/pipeline"
)

func TestParseSuccess(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"true", true, false},
		{"1", true, false},
		{"ok", true, false},
		{"False", false, false},
		{"fail", false, false},
		{"maybe", false, true},
	}
	for _, tt := range tests {
		got, err := parseSuccess(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseSuccess(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestPipelineSubcommandsRegistered(t *testing.T) {
	want := []string{"start", "after-preflight", "after-impl", "after-verify", "after-commit", "status", "reset", "resume"}
	have := map[string]bool{}
	for _, c := range pipelineCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("expected pipeline %s to be registered", name)
		}
	}
}

func TestPipelineFlow(t *testing.T) {
	dir := t.TempDir()
	defer resetFlags()

	if _, err := runCLI(t, dir, "add", "-p", "P0", "--project", "decent-cloud", "Fix bug"); err != nil {
		t.Fatalf("add: %v", err)
	}

	steps := []struct {
		args []string
		want pipeline.Action
	}{
		{[]string{"pipeline", "start"}, pipeline.ActionPreflight},
		{[]string{"pipeline", "after-preflight", "true"}, pipeline.ActionImplement},
		{[]string{"pipeline", "after-impl", "true", "sess1"}, pipeline.ActionVerify},
		{[]string{"pipeline", "after-verify", "changes_made"}, pipeline.ActionVerify},
		{[]string{"pipeline", "after-verify", "clean"}, pipeline.ActionCommit},
		{[]string{"pipeline", "after-commit", "true"}, pipeline.ActionBatchComplete},
	}
	for _, s := range steps {
		out, err := runCLI(t, dir, s.args...)
		if err != nil {
			t.Fatalf("%v: %v", s.args, err)
		}
		var res pipeline.Result
		decodeJSON(t, out, &res)
		if res.Action != s.want {
			t.Fatalf("%v: action %q, want %q\n%s", s.args, res.Action, s.want, out)
		}
	}

	out, err := runCLI(t, dir, "pipeline", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st pipeline.State
	decodeJSON(t, out, &st)
	if st.Status != pipeline.StatusDone || len(st.CompletedTasks) != 1 {
		t.Errorf("final state = %+v", st)
	}
}

func TestPipelineInvalidStateIsError(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "pipeline", "after-commit", "true")
	if !errors.Is(err, pipeline.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestPipelineAfterVerifyRejectsUnknownVerdict(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "pipeline", "after-verify", "meh")
	if !errors.Is(err, pipeline.ErrInvalidVerdict) {
		t.Errorf("err = %v, want ErrInvalidVerdict", err)
	}
}
