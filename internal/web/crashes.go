package web

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// CrashReport is one remote failure surfaced to the dashboard, with the
// traceback rendered to HTML for display.
type CrashReport struct {
	Origin    string    `json:"origin"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Traceback string    `json:"traceback"`
	HTML      string    `json:"html"`
	At        time.Time `json:"at"`
}

// maxCrashReports bounds the in-memory crash ring.
const maxCrashReports = 100

// crashMarkdown renders crash reports. GFM gives us fenced code blocks
// for the traceback text.
var crashMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

type crashLog struct {
	mu      sync.Mutex
	reports []CrashReport
}

func newCrashLog() *crashLog {
	return &crashLog{}
}

func (l *crashLog) add(origin, kind, message, traceback string) CrashReport {
	md := fmt.Sprintf(
		"**%s** in `%s`\n\n%s\n\n```\n%s\n```\n",
		kind, origin, message, traceback,
	)

	var buf bytes.Buffer
	if err := crashMarkdown.Convert([]byte(md), &buf); err != nil {
		log.Debugf("web: render crash report: %v", err)
		buf.Reset()
	}

	report := CrashReport{
		Origin:    origin,
		Kind:      kind,
		Message:   message,
		Traceback: traceback,
		HTML:      buf.String(),
		At:        time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, report)
	if len(l.reports) > maxCrashReports {
		l.reports = l.reports[len(l.reports)-maxCrashReports:]
	}

	return report
}

func (l *crashLog) all() []CrashReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CrashReport, len(l.reports))
	copy(out, l.reports)
	return out
}
