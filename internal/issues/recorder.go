// Package issues turns lint output artifacts into structured warnings and
// errors.
package issues

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Severity of a recorded issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding in an artifact.
type Issue struct {
	Path     string   `json:"path"`
	Line     int      `json:"line"`
	Column   int      `json:"column,omitempty"`
	Code     string   `json:"code,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report summarises the issues of one artifact.
type Report struct {
	Tool       string  `json:"tool"`
	Artifact   string  `json:"artifact"`
	ReportPath string  `json:"reportPath,omitempty"`
	Errors     int     `json:"errors"`
	Warnings   int     `json:"warnings"`
	Issues     []Issue `json:"issues,omitempty"`
}

// Recorder consumes an artifact produced by a stage. Callers only know where
// the artifact is; the format is the recorder's business.
type Recorder interface {
	Record(ctx context.Context, tool, artifact string) (Report, error)
}

var (
	// src/a.py:1:0: C0114: Missing module docstring
	// src/a.py:10: [C0114(missing-module-docstring), ] Missing module docstring
	codedLine = regexp.MustCompile(`^(\S+?):(\d+):(?:(\d+):)?\s*\[?([A-Z]\d{3,4})[^\]:]*\]?:?\s*(.*)$`)
	// main.c:3:5: error: expected ';'
	levelLine = regexp.MustCompile(`^(\S+?):(\d+):(?:(\d+):)?\s*(error|warning):\s*(.*)$`)

	// pydocstyle splits each finding over two lines:
	//   astrodata/core.py:1 at module level:
	//           D100: Missing docstring in public module
	pydocLocation = regexp.MustCompile(`^(\S+?):(\d+)\s+(.+):$`)
	pydocCode     = regexp.MustCompile(`^\s+(D\d{3}):\s*(.*)$`)
)

// LintRecorder parses pylint-style, compiler-style and pydocstyle
// diagnostics and writes a JSON report next to the artifact.
type LintRecorder struct {
	Logger *slog.Logger
}

// NewLintRecorder returns a LintRecorder logging to logger (slog.Default when
// nil).
func NewLintRecorder(logger *slog.Logger) *LintRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LintRecorder{Logger: logger}
}

// Record parses artifact and writes <artifact>.issues.json.
func (r *LintRecorder) Record(ctx context.Context, tool, artifact string) (Report, error) {
	f, err := os.Open(artifact)
	if err != nil {
		return Report{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	report := Report{Tool: tool, Artifact: artifact}
	parse := parserFor(tool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		issue, ok := parse(scanner.Text())
		if !ok {
			continue
		}
		if issue.Severity == SeverityError {
			report.Errors++
		} else {
			report.Warnings++
		}
		report.Issues = append(report.Issues, issue)
	}
	if err := scanner.Err(); err != nil {
		return Report{}, fmt.Errorf("read artifact: %w", err)
	}

	report.ReportPath = artifact + ".issues.json"
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Report{}, err
	}
	if err := os.WriteFile(report.ReportPath, data, 0644); err != nil {
		return Report{}, fmt.Errorf("write issue report: %w", err)
	}

	r.Logger.Info("issues recorded",
		"tool", tool,
		"artifact", artifact,
		"errors", report.Errors,
		"warnings", report.Warnings,
	)
	return report, nil
}

// ParseLine recognises a single diagnostic line.
func ParseLine(line string) (Issue, bool) {
	line = strings.TrimSpace(line)
	if m := codedLine.FindStringSubmatch(line); m != nil {
		return Issue{
			Path:     m[1],
			Line:     atoi(m[2]),
			Column:   atoi(m[3]),
			Code:     m[4],
			Severity: severityForCode(m[4]),
			Message:  m[5],
		}, true
	}
	if m := levelLine.FindStringSubmatch(line); m != nil {
		return Issue{
			Path:     m[1],
			Line:     atoi(m[2]),
			Column:   atoi(m[3]),
			Severity: Severity(m[4]),
			Message:  m[5],
		}, true
	}
	return Issue{}, false
}

// parserFor picks the line parser for tool. Parsers may keep state across
// lines, so each artifact gets a fresh one.
func parserFor(tool string) func(string) (Issue, bool) {
	if strings.EqualFold(tool, "pydocstyle") {
		return NewPydocstyleParser()
	}
	return ParseLine
}

// NewPydocstyleParser returns a parser that pairs a pydocstyle location line
// with the code line after it. Location lines yield nothing on their own.
func NewPydocstyleParser() func(string) (Issue, bool) {
	var (
		pending Issue
		where   string
		ok      bool
	)
	return func(line string) (Issue, bool) {
		if m := pydocCode.FindStringSubmatch(line); m != nil && ok {
			ok = false
			issue := pending
			issue.Code = m[1]
			issue.Severity = severityForCode(m[1])
			issue.Message = m[2] + " (" + where + ")"
			return issue, true
		}
		if m := pydocLocation.FindStringSubmatch(line); m != nil {
			pending = Issue{Path: m[1], Line: atoi(m[2])}
			where, ok = m[3], true
			return Issue{}, false
		}
		ok = false
		return Issue{}, false
	}
}

// severityForCode maps pylint message categories: E and F are errors,
// everything else (C, R, W, I and pydocstyle's D) is a warning.
func severityForCode(code string) Severity {
	switch code[0] {
	case 'E', 'F':
		return SeverityError
	default:
		return SeverityWarning
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
