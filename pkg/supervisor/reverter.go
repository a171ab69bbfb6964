package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Reverter manages the runtime's own code revision: applying pending
// updates, verifying them, rolling back to the last-known-good revision,
// and promoting the current one.
type Reverter interface {
	// Apply brings a pending update into effect.
	Apply(ctx context.Context) error
	// Verify checks the active revision is healthy.
	Verify(ctx context.Context) error
	// Rollback restores the last promoted revision.
	Rollback(ctx context.Context) error
	// Promote marks the current revision as last-known-good and returns
	// its identifier.
	Promote(ctx context.Context) (string, error)
}

// NopReverter satisfies Reverter without doing anything. Used when the
// runtime does not manage its own checkout.
type NopReverter struct{}

func (NopReverter) Apply(context.Context) error    { return nil }
func (NopReverter) Verify(context.Context) error   { return nil }
func (NopReverter) Rollback(context.Context) error { return nil }

func (NopReverter) Promote(context.Context) (string, error) { return "", nil }

// GitReverter implements Reverter over a git checkout. Promote records
// HEAD as the stable revision; Rollback hard-resets to it. VerifyCmd,
// when set, is run through the shell after Apply and Rollback.
type GitReverter struct {
	Dir       string
	VerifyCmd string
	// StableRev returns the last promoted revision; SetStableRev
	// persists a new one. Both are required for Rollback/Promote.
	StableRev    func() string
	SetStableRev func(rev string) error
	Logger       zerolog.Logger
}

func (g *GitReverter) Apply(ctx context.Context) error {
	if out, err := g.git(ctx, "pull", "--ff-only"); err != nil {
		return fmt.Errorf("git pull: %w: %s", err, out)
	}
	return nil
}

func (g *GitReverter) Verify(ctx context.Context) error {
	if g.VerifyCmd == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", g.VerifyCmd)
	cmd.Dir = g.Dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("verify command failed: %w: %s", err, buf.String())
	}
	return nil
}

func (g *GitReverter) Rollback(ctx context.Context) error {
	rev := ""
	if g.StableRev != nil {
		rev = g.StableRev()
	}
	if rev == "" {
		return fmt.Errorf("no stable revision recorded; cannot roll back")
	}
	if out, err := g.git(ctx, "reset", "--hard", rev); err != nil {
		return fmt.Errorf("git reset to %s: %w: %s", rev, err, out)
	}
	g.Logger.Info().Str("revision", rev).Msg("Rolled back to stable revision")
	return nil
}

func (g *GitReverter) Promote(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w: %s", err, out)
	}
	rev := strings.TrimSpace(out)
	if g.SetStableRev != nil {
		if err := g.SetStableRev(rev); err != nil {
			return "", err
		}
	}
	g.Logger.Info().Str("revision", rev).Msg("Revision promoted to stable")
	return rev, nil
}

func (g *GitReverter) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
