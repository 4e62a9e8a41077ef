package engine

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// SuspectEngine scores how strongly a deployed commit is implicated by an error's stack frames.
type SuspectEngine struct {
	logger *slog.Logger
}

// SuspectResult captures the outcome of a suspect evaluation.
type SuspectResult struct {
	Score float64
	Files []string
	Notes []string
}

// NewSuspectEngine constructs a SuspectEngine.
func NewSuspectEngine(logger *slog.Logger) *SuspectEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuspectEngine{logger: logger}
}

// Evaluate matches changed files against stack frames. Exact path suffix matches count fully,
// same-basename matches count half. The score is in [0,1].
func (e *SuspectEngine) Evaluate(diff *models.CommitDiff, frames []models.StackFrame) SuspectResult {
	result := SuspectResult{}
	if e == nil || diff == nil || len(diff.Files) == 0 {
		return result
	}
	if len(frames) == 0 {
		result.Notes = append(result.Notes, fmt.Sprintf("commit %s changed %d files; no stack frames to compare", shortSHA(diff.SHA), len(diff.Files)))
		return result
	}

	matched := 0.0
	seen := make(map[string]struct{})
	for _, frame := range frames {
		weight, file := bestFileMatch(frame.File, diff.Files)
		if weight == 0 {
			continue
		}
		matched += weight
		if _, ok := seen[file]; ok {
			continue
		}
		seen[file] = struct{}{}
		result.Files = append(result.Files, file)
		where := frame.File
		if frame.Line > 0 {
			where = fmt.Sprintf("%s:%d", frame.File, frame.Line)
		}
		result.Notes = append(result.Notes, fmt.Sprintf("stack frame %s is in %s changed by %s", where, file, shortSHA(diff.SHA)))
	}
	sort.Strings(result.Files)

	if matched == 0 {
		return result
	}
	result.Score = clamp(0.4+0.6*matched/float64(len(frames)), 0, 1)
	e.logger.Debug("suspect commit evaluated", slog.String("sha", shortSHA(diff.SHA)), slog.Float64("score", result.Score))
	return result
}

func bestFileMatch(frameFile string, files []models.FileChange) (float64, string) {
	frameFile = cleanPath(frameFile)
	if frameFile == "" {
		return 0, ""
	}
	best, bestFile := 0.0, ""
	for _, f := range files {
		changed := cleanPath(f.Filename)
		switch {
		case changed == frameFile || strings.HasSuffix(frameFile, "/"+changed) || strings.HasSuffix(changed, "/"+frameFile):
			return 1, f.Filename
		case path.Base(changed) == path.Base(frameFile) && best < 0.5:
			best, bestFile = 0.5, f.Filename
		}
	}
	return best, bestFile
}

func cleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean(p), "./")
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
