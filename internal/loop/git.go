package loop

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/store"
)

const gitTimeout = 30 * time.Second

// gitSnapshot stages and commits the current tree as a work-in-progress
// checkpoint before an iteration. Best-effort: failures are logged only.
func gitSnapshot(ctx context.Context, workspacePath string, story *store.UserStory, log *logger.Logger) {
	msg := fmt.Sprintf("wip: snapshot before story %s", story.ID)
	if err := gitCommitAll(ctx, workspacePath, msg); err != nil {
		log.WithError(err).Error("git snapshot failed", zap.String("story_id", story.ID))
	}
}

// gitCommitStory commits the tree after a successful story. Best-effort.
func gitCommitStory(ctx context.Context, workspacePath string, story *store.UserStory, log *logger.Logger) {
	msg := fmt.Sprintf("feat: complete story %s", story.ID)
	if story.PRDID != "" {
		msg += fmt.Sprintf(" (prd %s)", story.PRDID)
	}
	if story.Title != "" {
		msg += "\n\n" + story.Title
	}
	if err := gitCommitAll(ctx, workspacePath, msg); err != nil {
		log.WithError(err).Error("git commit failed", zap.String("story_id", story.ID))
	}
}

func gitCommitAll(ctx context.Context, workspacePath, message string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = workspacePath
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %w: %s", err, tail(string(out), 200))
	}

	commit := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commit.Dir = workspacePath
	if out, err := commit.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %w: %s", err, tail(string(out), 200))
	}
	return nil
}
