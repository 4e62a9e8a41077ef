package engine

import (
	"testing"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

func TestSuspectEngineEvaluate(t *testing.T) {
	engine := NewSuspectEngine(nil)
	diff := &models.CommitDiff{SHA: "abc123def456", Files: []models.FileChange{
		{Filename: "app/handlers/user.py"},
		{Filename: "README.md"},
	}}
	frames := []models.StackFrame{
		{File: "/srv/app/handlers/user.py", Line: 42},
		{File: "/usr/lib/python3.11/site-packages/flask/app.py", Line: 10},
	}

	res := engine.Evaluate(diff, frames)
	if res.Score <= 0.4 {
		t.Fatalf("expected positive suspect score, got %f", res.Score)
	}
	if len(res.Files) != 1 || res.Files[0] != "app/handlers/user.py" {
		t.Fatalf("unexpected suspect files: %v", res.Files)
	}
}

func TestSuspectEngineBasenameMatchScoresLower(t *testing.T) {
	engine := NewSuspectEngine(nil)
	diff := &models.CommitDiff{SHA: "abc", Files: []models.FileChange{{Filename: "svc/other/user.py"}}}
	exact := engine.Evaluate(&models.CommitDiff{SHA: "abc", Files: []models.FileChange{{Filename: "app/user.py"}}},
		[]models.StackFrame{{File: "/srv/app/user.py"}})
	partial := engine.Evaluate(diff, []models.StackFrame{{File: "/srv/app/user.py"}})
	if partial.Score <= 0 || partial.Score >= exact.Score {
		t.Fatalf("expected 0 < partial (%f) < exact (%f)", partial.Score, exact.Score)
	}
}

func TestSuspectEngineNoEvidence(t *testing.T) {
	engine := NewSuspectEngine(nil)
	if res := engine.Evaluate(nil, nil); res.Score != 0 {
		t.Fatalf("expected zero score without data")
	}
	res := engine.Evaluate(&models.CommitDiff{Files: []models.FileChange{{Filename: "a.go"}}}, nil)
	if res.Score != 0 || len(res.Notes) != 1 {
		t.Fatalf("expected a note and zero score, got %+v", res)
	}
}
