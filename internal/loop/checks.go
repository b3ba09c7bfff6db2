package loop

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/store"
)

// checkTimeout bounds one quality check command.
const checkTimeout = 5 * time.Minute

// checkResult is one quality check outcome.
type checkResult struct {
	Name     string
	Required bool
	Passed   bool
	Output   string
}

// runQualityChecks executes each configured check in the workspace. Checks
// are independent; one failure does not stop the rest.
func runQualityChecks(ctx context.Context, workspacePath string, checks []store.QualityCheck) []checkResult {
	results := make([]checkResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, runCheck(ctx, workspacePath, check))
	}
	return results
}

func runCheck(ctx context.Context, workspacePath string, check store.QualityCheck) checkResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", check.Command)
	cmd.Dir = workspacePath
	out, err := cmd.CombinedOutput()

	return checkResult{
		Name:     check.Name,
		Required: check.Required,
		Passed:   err == nil,
		Output:   tail(string(out), 2000),
	}
}

// requiredFailures returns the names of failed required checks.
func requiredFailures(results []checkResult) []string {
	var failed []string
	for _, r := range results {
		if r.Required && !r.Passed {
			failed = append(failed, r.Name)
		}
	}
	return failed
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
