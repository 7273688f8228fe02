//go:build integration

package cli

import (
	"context"
	"strings"
	"testing"
)

const (
	styleGuide  = "guides/style.md"
	reviewSkill = "skills/review/SKILL.md"
	extraNotes  = "guides/notes.md"
)

func TestCLISync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)

	h.WriteContent(styleGuide, "# Style\n\nUse tabs.\n")
	h.WriteContent(reviewSkill, "Review every change.\n")
	h.WriteContent(extraNotes, "notes\n")
	h.Publish(ctx, "c1")

	h.StartPublisher(ctx)

	t.Run("A_InitialInstall", func(t *testing.T) {
		testInitialInstall(t, h, ctx)
	})

	t.Run("B_UpdateTouchesOnlyChangedFiles", func(t *testing.T) {
		testUpdate(t, h, ctx)
	})

	t.Run("C_NoOpSync", func(t *testing.T) {
		testNoOpSync(t, h, ctx)
	})

	t.Run("D_DeclinedExitsWithTwo", func(t *testing.T) {
		testDeclined(t, h, ctx)
	})

	t.Run("E_CorruptContentExitsWithOne", func(t *testing.T) {
		testCorruptContent(t, h, ctx)
	})

	t.Run("F_DryRunMode", func(t *testing.T) {
		testDryRun(t, h, ctx)
	})

	t.Run("G_PruneRemovesFile", func(t *testing.T) {
		testPrune(t, h, ctx)
	})
}

func testInitialInstall(t *testing.T, h *Harness, ctx context.Context) {
	stdout, _ := h.MustRun(ctx, "install", "--force")

	if got := h.ReadInstalled(styleGuide); got != "# Style\n\nUse tabs.\n" {
		t.Errorf("unexpected %s: %q", styleGuide, got)
	}
	if !h.InstalledExists(".kitsync/MANIFEST") || !h.InstalledExists(".kitsync/VERSION") {
		t.Error("install must record the local manifest and version")
	}
	if !strings.Contains(stdout, "3 changed") {
		t.Errorf("expected three changed files in report:\n%s", stdout)
	}

	// A second install is refused
	_, _, exitCode, err := h.Run(ctx, "", "install", "--force")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 1 {
		t.Errorf("expected exit code 1 for repeated install, got %d", exitCode)
	}
}

func testUpdate(t *testing.T, h *Harness, ctx context.Context) {
	before := h.InstalledModTime(reviewSkill)

	h.WriteContent(styleGuide, "# Style\n\nUse tabs.\nWrap at 100 columns.\n")
	h.Publish(ctx, "c2")

	stdout, _ := h.MustRun(ctx, "sync", "--force")
	if !strings.Contains(stdout, "M "+styleGuide) || strings.Contains(stdout, "M "+reviewSkill) {
		t.Errorf("unexpected report:\n%s", stdout)
	}
	if got := h.ReadInstalled(styleGuide); !strings.Contains(got, "Wrap at 100 columns.") {
		t.Errorf("changed file not updated: %q", got)
	}
	if after := h.InstalledModTime(reviewSkill); !after.Equal(before) {
		t.Errorf("unchanged file was rewritten: %v -> %v", before, after)
	}
}

func testNoOpSync(t *testing.T, h *Harness, ctx context.Context) {
	stdout, _ := h.MustRun(ctx, "sync", "--force")
	if !strings.Contains(stdout, "up to date") {
		t.Errorf("expected up to date report:\n%s", stdout)
	}
}

func testDeclined(t *testing.T, h *Harness, ctx context.Context) {
	h.WriteContent(reviewSkill, "Review every change twice.\n")
	h.Publish(ctx, "c3")

	stdout, stderr, exitCode, err := h.Run(ctx, "n\n", "sync")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 2 {
		t.Fatalf("expected exit code 2, got %d\nstdout: %s\nstderr: %s", exitCode, stdout, stderr)
	}
	if !strings.Contains(stdout, "+Review every change twice.") {
		t.Errorf("expected diff of the staged change:\n%s", stdout)
	}
	if got := h.ReadInstalled(reviewSkill); got != "Review every change.\n" {
		t.Errorf("declined change was applied: %q", got)
	}
}

func testCorruptContent(t *testing.T, h *Harness, ctx context.Context) {
	// The published manifest still carries the c3 hash of the skill
	h.WriteContent(reviewSkill, "tampered\n")

	stdout, stderr, exitCode, err := h.Run(ctx, "", "sync", "--force")
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d\nstdout: %s\nstderr: %s", exitCode, stdout, stderr)
	}
	if !strings.Contains(stderr, "checksum mismatch") {
		t.Errorf("expected checksum mismatch in log:\n%s", stderr)
	}
	if got := h.ReadInstalled(reviewSkill); got != "Review every change.\n" {
		t.Errorf("corrupt download reached the installation: %q", got)
	}

	// Republishing fixes the source; the pending change applies cleanly
	h.WriteContent(reviewSkill, "Review every change twice.\n")
	h.Publish(ctx, "c3")
	h.MustRun(ctx, "sync", "--force")
	if got := h.ReadInstalled(reviewSkill); got != "Review every change twice.\n" {
		t.Errorf("unexpected %s after republish: %q", reviewSkill, got)
	}
}

func testDryRun(t *testing.T, h *Harness, ctx context.Context) {
	h.WriteContent(styleGuide, "# Style\n\nUse spaces.\n")
	h.Publish(ctx, "c4")

	stdout, _ := h.MustRun(ctx, "sync", "--dry-run")
	if !strings.Contains(stdout, "M "+styleGuide) {
		t.Errorf("dry run should list the change:\n%s", stdout)
	}
	if got := h.ReadInstalled(styleGuide); strings.Contains(got, "Use spaces.") {
		t.Error("dry run must not modify the installation")
	}

	h.MustRun(ctx, "sync", "--force")
}

func testPrune(t *testing.T, h *Harness, ctx context.Context) {
	h.RemoveContent(extraNotes)
	h.Publish(ctx, "c5")
	h.WriteConfig(true)

	stdout, _ := h.MustRun(ctx, "sync", "--force")
	if !strings.Contains(stdout, "D "+extraNotes) {
		t.Errorf("report should list the removed file:\n%s", stdout)
	}
	if h.InstalledExists(extraNotes) {
		t.Errorf("%s should have been pruned", extraNotes)
	}
	if !h.InstalledExists(styleGuide) {
		t.Errorf("%s must survive the prune", styleGuide)
	}
}
