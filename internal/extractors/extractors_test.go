package extractors

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

func TestPrefilterShortExcerptUntouched(t *testing.T) {
	lines := []string{"INFO boot", "ERROR boom"}
	out, filtered := Prefilter(lines)
	assert.False(t, filtered)
	assert.Equal(t, lines, out)
}

func TestPrefilterKeepsContextAroundErrors(t *testing.T) {
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = fmt.Sprintf("INFO line %d", i)
	}
	lines[10] = "ERROR first failure"
	lines[30] = "WARN disk almost full"

	out, filtered := Prefilter(lines)
	require.True(t, filtered)
	assert.Equal(t, "INFO line 5", out[0])
	assert.Contains(t, out, "ERROR first failure")
	assert.Contains(t, out, filteredMarker)
	assert.Contains(t, out, "WARN disk almost full")
	assert.Equal(t, "INFO line 35", out[len(out)-1])
	assert.Len(t, out, 11+1+11)
}

func TestPrefilterHeadTailWhenNothingMatches(t *testing.T) {
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = fmt.Sprintf("INFO line %d", i)
	}
	out, filtered := Prefilter(lines)
	require.True(t, filtered)
	require.Len(t, out, 21)
	assert.Equal(t, snipMarker, out[10])
	assert.Equal(t, "INFO line 29", out[20])
}

func TestExtractErrorLinesCapped(t *testing.T) {
	lines := make([]string, 80)
	for i := range lines {
		lines[i] = fmt.Sprintf("2024-12-22 10:00:00 ERROR request %d failed", i)
	}
	got := ExtractErrorLines(lines)
	assert.Len(t, got, maxErrorLines)
	assert.True(t, strings.HasPrefix(got[0], "ERROR request 0"))
}

func TestParseFrames(t *testing.T) {
	text := strings.Join([]string{
		"Traceback (most recent call last):",
		`  File "/app/handlers/user.py", line 42, in get_user`,
		"    return user['id']",
		"KeyError: 'id'",
		"	at com.acme.Handler.run(Handler.java:17)",
		"    at handler (/app/src/index.js:10:5)",
		"main.(*Server).Handle(0xc000010000)",
		"	/app/internal/api/server.go:88 +0x1d",
	}, "\n")

	frames := ParseFrames(text)
	require.Len(t, frames, 4)
	assert.Equal(t, models.StackFrame{File: "/app/handlers/user.py", Line: 42, Function: "get_user"}, frames[0])
	assert.Equal(t, models.StackFrame{File: "Handler.java", Line: 17, Function: "com.acme.Handler.run"}, frames[1])
	assert.Equal(t, models.StackFrame{File: "/app/src/index.js", Line: 10, Function: "handler"}, frames[2])
	assert.Equal(t, models.StackFrame{File: "/app/internal/api/server.go", Line: 88, Function: "main.(*Server).Handle"}, frames[3])
}

func TestExtractStackTraces(t *testing.T) {
	lines := []string{
		"INFO ok",
		"Traceback (most recent call last):",
		`  File "/app/a.py", line 1, in f`,
		"",
		"INFO after",
	}
	traces := ExtractStackTraces(lines)
	require.Len(t, traces, 1)
	assert.Contains(t, traces[0], "/app/a.py")
}

func TestBurstDetector(t *testing.T) {
	base := time.Date(2024, 12, 22, 10, 0, 0, 0, time.UTC)
	var stamps []time.Time
	for i := 0; i < 10; i++ {
		stamps = append(stamps, base.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 12; i++ {
		stamps = append(stamps, base.Add(20*time.Second))
	}

	bursts := NewBurstDetector(2).Detect(stamps)
	require.Len(t, bursts, 1)
	assert.Equal(t, base.Add(20*time.Second), bursts[0].Start)
	assert.Equal(t, 12, bursts[0].Count)
}

func TestLogAnalyzerGather(t *testing.T) {
	ev := models.NewErrorEvent("checkout-api", "KeyError: 'user_id'",
		"Traceback (most recent call last):\n  File \"/app/handlers/user.py\", line 42, in get_user\nKeyError: 'user_id'",
		[]string{
			"2024-12-22T10:00:01Z INFO request started",
			"2024-12-22T10:00:02Z ERROR KeyError: 'user_id'",
		}, time.Now())

	evidence, err := NewLogAnalyzer().Gather(context.Background(), ev, models.Unattributed())
	require.NoError(t, err)
	require.True(t, evidence.OK())
	require.NotNil(t, evidence.Logs)
	assert.Equal(t, 1, evidence.Logs.ErrorCount)
	assert.Len(t, evidence.Logs.Timestamps, 2)
	assert.Contains(t, evidence.Logs.Keywords, "missing_key")
	assert.Equal(t, models.SeverityMedium, evidence.Logs.SeverityHint)
	require.NotEmpty(t, evidence.Logs.Frames)
	assert.Equal(t, "/app/handlers/user.py", evidence.Logs.Frames[0].File)
}

func TestLogAnalyzerEmptyLogs(t *testing.T) {
	ev := models.NewErrorEvent("svc", "boom", "", nil, time.Now())
	evidence, err := NewLogAnalyzer().Gather(context.Background(), ev, models.Unattributed())
	require.NoError(t, err)
	assert.True(t, evidence.OK())
	assert.Zero(t, evidence.Logs.ErrorCount)
	assert.Equal(t, models.SeverityLow, evidence.Logs.SeverityHint)
}

func TestLogAnalyzerFatalIsCritical(t *testing.T) {
	ev := models.NewErrorEvent("svc", "panic: runtime error: invalid memory address", "", nil, time.Now())
	signals := NewLogAnalyzer().Analyze(ev)
	assert.Equal(t, models.SeverityCritical, signals.SeverityHint)
}
