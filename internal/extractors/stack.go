package extractors

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const maxStackTraces = 10

var (
	// File "/app/handlers/user.py", line 42, in get_user
	pythonFrame = regexp.MustCompile(`File "([^"]+)", line (\d+)(?:, in (\S+))?`)
	// at com.acme.Handler.run(Handler.java:17)
	javaFrame = regexp.MustCompile(`^\s*at\s+([\w$.<>/]+)\(([^():\s]+):(\d+)\)`)
	// at handler (/app/src/index.js:10:5)
	nodeFrame = regexp.MustCompile(`^\s*at\s+(?:(\S+)\s+)?\(?([^\s()]+?):(\d+):\d+\)?`)
	// /app/internal/api/server.go:88 +0x1d
	goFrame = regexp.MustCompile(`^\s*(/?[\w./-]+\.go):(\d+)`)
	// main.(*Server).Handle(...)
	goFunc = regexp.MustCompile(`^([\w./*()-]+)\(.*\)$`)
)

// ExtractStackTraces groups consecutive trace lines that follow a trace header.
func ExtractStackTraces(lines []string) []string {
	var (
		traces  []string
		current []string
		inTrace bool
	)
	flush := func() {
		if len(current) > 1 {
			traces = append(traces, strings.Join(current, "\n"))
		}
		current = nil
		inTrace = false
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case isTraceHeader(trimmed):
			flush()
			inTrace = true
			current = []string{line}
		case inTrace && isTraceBody(line, trimmed):
			current = append(current, line)
		case inTrace:
			flush()
		}
		if len(traces) >= maxStackTraces {
			return traces
		}
	}
	flush()
	if len(traces) > maxStackTraces {
		traces = traces[:maxStackTraces]
	}
	return traces
}

func isTraceHeader(trimmed string) bool {
	return strings.HasPrefix(trimmed, "Traceback") ||
		strings.Contains(trimmed, "Stack trace") ||
		strings.HasPrefix(trimmed, "goroutine ") ||
		strings.HasPrefix(trimmed, "panic:")
}

func isTraceBody(line, trimmed string) bool {
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "at ") || strings.HasPrefix(trimmed, "File ") {
		return true
	}
	if goFrame.MatchString(line) || goFunc.MatchString(trimmed) {
		return true
	}
	// Indented source lines under a Python frame.
	return strings.HasPrefix(line, "    ")
}

// ParseFrames recovers file/line/function triples from raw stack text, deduplicated and in order.
func ParseFrames(text string) []models.StackFrame {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var (
		frames  []models.StackFrame
		seen    = make(map[string]struct{})
		pending string
	)
	add := func(frame models.StackFrame) {
		key := frame.File + ":" + strconv.Itoa(frame.Line)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		frames = append(frames, frame)
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := pythonFrame.FindStringSubmatch(line); m != nil {
			add(models.StackFrame{File: m[1], Line: atoi(m[2]), Function: m[3]})
			continue
		}
		if m := javaFrame.FindStringSubmatch(line); m != nil {
			add(models.StackFrame{File: m[2], Line: atoi(m[3]), Function: m[1]})
			continue
		}
		if m := nodeFrame.FindStringSubmatch(line); m != nil {
			add(models.StackFrame{File: m[2], Line: atoi(m[3]), Function: m[1]})
			continue
		}
		if m := goFrame.FindStringSubmatch(line); m != nil {
			add(models.StackFrame{File: m[1], Line: atoi(m[2]), Function: pending})
			pending = ""
			continue
		}
		if m := goFunc.FindStringSubmatch(trimmed); m != nil {
			pending = m[1]
		}
	}
	return frames
}

func atoi(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}
