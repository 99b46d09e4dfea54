package prompt

import (
	"fmt"
	"strings"

	"github.com/sasa-tomic/openclaw-lxd/internal/config"
	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

// Markers the external agent is asked to print. The caller maps them to verdicts.
const (
	MarkerImplementationComplete = "IMPLEMENTATION COMPLETE"
	MarkerVerifiedClean          = "VERIFIED CLEAN"
	MarkerChangesMade            = "CHANGES MADE"
	MarkerBlocked                = "BLOCKED:"
	MarkerPreflightComplete      = "PREFLIGHT COMPLETE"
	MarkerPreflightBlocked       = "PREFLIGHT BLOCKED:"
)

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func taskHeader(b *strings.Builder, t tasks.Task) {
	b.WriteString("**Task:** " + t.Title + "\n")
	b.WriteString("**Task ID:** " + t.ID + "\n")
	b.WriteString("**Project:** " + t.Project + "\n")
}

// Preflight asks the agent to leave the repository clean with passing tests.
func Preflight(p config.Project) string {
	var b strings.Builder
	repo := orUnknown(p.RepoPath)

	b.WriteString("You are preparing the repository for a dev cycle. Ensure a clean slate.\n\n")
	b.WriteString("**Repository:** `" + repo + "`\n")
	b.WriteString("**Test command:** `" + p.TestCommand + "`\n\n")

	b.WriteString("**Steps:**\n")
	b.WriteString("1. `cd " + repo + "`\n")
	b.WriteString("2. Check `git status` - if there are uncommitted changes:\n")
	b.WriteString("   - Review them briefly\n")
	b.WriteString("   - If they look intentional, commit with message \"chore: uncommitted changes from previous session\"\n")
	b.WriteString("   - If they look broken/partial, stash them: `git stash -m \"partial changes\"`\n")
	b.WriteString("3. Run the full test suite: `" + p.TestCommand + "`\n")
	b.WriteString("4. If tests fail:\n")
	b.WriteString("   - Analyze the failures and fix them\n")
	b.WriteString("   - Commit fixes with message \"fix: failing tests in preflight\"\n")
	b.WriteString("   - Run tests again to confirm\n")
	b.WriteString("5. Ensure `git status` is clean and tests pass\n\n")

	b.WriteString("**Output:**\n")
	b.WriteString("- If all good: \"" + MarkerPreflightComplete + "\" + brief summary\n")
	b.WriteString("- If you fixed something: \"" + MarkerPreflightComplete + " - FIXES APPLIED\" + what you fixed\n")
	b.WriteString("- If you can't fix failures: \"" + MarkerPreflightBlocked + "\" + explanation\n")
	return b.String()
}

// Implementation is the prompt for the implementing agent.
func Implementation(t tasks.Task, p config.Project) string {
	var b strings.Builder

	b.WriteString("You are implementing a development task. Focus on clean, production-ready code.\n\n")
	taskHeader(&b, t)
	b.WriteString("**Priority:** " + t.Priority + "\n")
	if p.RepoPath != "" {
		b.WriteString("**Repository:** `" + p.RepoPath + "`\n")
	}
	if p.TestCommand != "" {
		b.WriteString("**Test command:** `" + p.TestCommand + "`\n")
	}
	if len(p.PreImplRead) > 0 {
		b.WriteString("\n**First, read these files:** " + strings.Join(p.PreImplRead, ", ") + "\n")
	}

	b.WriteString("\n**Context:**\n" + t.Context + "\n\n")

	b.WriteString("**Instructions:**\n")
	b.WriteString("1. Read the project's AGENTS.md if it exists for coding conventions\n")
	b.WriteString("2. Implement the task following project patterns\n")
	b.WriteString("3. Run relevant tests for the code you changed\n")
	b.WriteString("4. Do NOT commit - just implement and verify tests pass\n")
	b.WriteString("5. When done, output a summary:\n")
	b.WriteString("   - Files changed\n")
	b.WriteString("   - Tests run and results\n")
	b.WriteString("   - Any concerns or blockers\n\n")

	b.WriteString("**Important:**\n")
	b.WriteString("- Keep changes focused on this task only\n")
	b.WriteString("- Follow existing code patterns\n")
	b.WriteString("- If you hit a blocker, say \"" + MarkerBlocked + "\" and explain why\n")
	b.WriteString("- When complete, say \"" + MarkerImplementationComplete + "\" with your summary\n")
	return b.String()
}

// Verification is the prompt for a fresh-context reviewer. Every attempt gets
// the same instructions; only the attempt counter changes.
func Verification(t tasks.Task, p config.Project, attempt, maxAttempts int) string {
	var b strings.Builder

	b.WriteString("You are verifying a code implementation. You have fresh context - no knowledge of how it was implemented.\n\n")
	b.WriteString("**Task that was implemented:** " + t.Title + "\n")
	b.WriteString("**Task ID:** " + t.ID + "\n")
	b.WriteString("**Project:** " + t.Project + "\n")
	b.WriteString(fmt.Sprintf("**Verification attempt:** %d of %d\n", attempt, maxAttempts))
	b.WriteString("**Repository:** `" + orUnknown(p.RepoPath) + "`\n")
	b.WriteString("**Test command:** `" + p.TestCommand + "`\n\n")

	b.WriteString("**Your job:**\n")
	b.WriteString("1. Check `git status` to see what files were changed\n")
	b.WriteString("2. Review the changes with `git diff`\n")
	b.WriteString("3. Run the FULL test suite: `" + p.TestCommand + "`\n")
	b.WriteString("4. Verify the implementation matches the task requirements\n\n")

	b.WriteString("**Task requirements were:**\n" + t.Context + "\n\n")

	b.WriteString("**Decision:**\n")
	b.WriteString("- If tests pass AND implementation looks correct: say \"" + MarkerVerifiedClean + "\"\n")
	b.WriteString("- If you find issues that need fixing: fix them, then say \"" + MarkerChangesMade + "\" with what you fixed\n")
	b.WriteString("- If there are fundamental problems you can't fix: say \"" + MarkerBlocked + "\" and explain\n\n")

	b.WriteString("**Critical:**\n")
	b.WriteString("- Do NOT commit anything\n")
	b.WriteString("- If you make any changes, say \"" + MarkerChangesMade + "\"\n")
	b.WriteString("- Only say \"" + MarkerVerifiedClean + "\" if `git diff` shows no uncommitted changes after your review\n")
	return b.String()
}

// Resume asks an agent to continue partial work found in the workspace.
func Resume(t tasks.Task, p config.Project, previousState string, verifyAttempts int, changedFiles []string) string {
	var b strings.Builder

	b.WriteString("You are resuming a partially completed task. Previous agent timed out mid-work.\n\n")
	taskHeader(&b, t)
	b.WriteString("**Repository:** `" + orUnknown(p.RepoPath) + "`\n")
	b.WriteString("**Test command:** `" + p.TestCommand + "`\n\n")

	b.WriteString("**Previous state:** " + previousState + "\n")
	b.WriteString(fmt.Sprintf("**Verify attempts so far:** %d\n\n", verifyAttempts))

	b.WriteString("**Uncommitted changes found:**\n")
	for _, f := range changedFiles {
		b.WriteString("  - " + f + "\n")
	}
	b.WriteString("\n")

	b.WriteString("**Your job:**\n")
	b.WriteString("1. Review the uncommitted changes: `git diff`\n")
	b.WriteString("2. Understand what was done and what's missing\n")
	b.WriteString("3. Run tests: `" + p.TestCommand + "`\n")
	b.WriteString("4. If tests pass and work looks complete, say \"" + MarkerImplementationComplete + "\" with summary\n")
	b.WriteString("5. If tests fail or work is incomplete, fix the issues, run tests again, and when passing say \"" + MarkerImplementationComplete + "\"\n")
	b.WriteString("6. If fundamentally blocked, say \"" + MarkerBlocked + "\" with explanation\n\n")

	b.WriteString("**Task requirements were:**\n" + t.Context + "\n\n")
	b.WriteString("**Important:** Don't start over - build on the existing work.\n")
	return b.String()
}

// Spawn is the single-shot prompt used by nightly intake, where one agent
// implements and commits on its own.
func Spawn(t tasks.Task) string {
	var b strings.Builder

	b.WriteString("You are working on a development task.\n\n")
	b.WriteString("**Task:** " + t.Title + "\n")
	b.WriteString("**Project:** " + t.Project + "\n")
	b.WriteString("**Priority:** " + t.Priority + "\n\n")
	b.WriteString("**Context:**\n" + t.Context + "\n\n")

	b.WriteString("**Instructions:**\n")
	b.WriteString("1. Read any relevant project docs (AGENTS.md, existing code, etc.)\n")
	b.WriteString("2. Implement the task following project conventions\n")
	b.WriteString("3. Write tests if applicable\n")
	b.WriteString("4. Commit your changes with a clear message\n")
	b.WriteString("5. Report back with:\n")
	b.WriteString("   - What you did\n")
	b.WriteString("   - Any issues encountered\n")
	b.WriteString("   - Whether the task is complete, needs review, or is blocked\n\n")
	b.WriteString("If you get stuck or need clarification, mark the task as BLOCKED and explain why.\n")
	return b.String()
}

// CommitType maps a priority to a conventional-commit type.
func CommitType(priority string) string {
	switch priority {
	case tasks.P0:
		return "fix"
	case tasks.P1, tasks.P2:
		return "feat"
	default:
		return "chore"
	}
}

// CommitMessage builds the commit message for a finished task.
func CommitMessage(t tasks.Task) string {
	return CommitType(t.Priority) + ": " + t.Title + "\n\nTask ID: " + t.ID + "\n\nAutomated implementation via dev-orchestrator."
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// PreVerifyCommands stages everything before a verification pass.
func PreVerifyCommands(p config.Project) []string {
	if p.RepoPath == "" {
		return nil
	}
	return []string{"cd " + ShellQuote(p.RepoPath), "git add -A"}
}

// CommitCommands are the exact staging and commit commands the executor runs.
func CommitCommands(t tasks.Task, p config.Project) []string {
	if p.RepoPath == "" {
		return nil
	}
	return []string{
		"cd " + ShellQuote(p.RepoPath),
		"git add -A",
		"git commit -m " + ShellQuote(CommitMessage(t)),
	}
}
