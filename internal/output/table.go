package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/thaitype/serverless-rate-limiter/internal/engine"
	"github.com/thaitype/serverless-rate-limiter/internal/notify"
)

// ANSI color codes for status output (used when Colored=true).
const (
	ansiReset   = "\033[0m"
	ansiBoldRed = "\033[1;31m"
	ansiYellow  = "\033[0;33m"
	ansiGreen   = "\033[0;32m"
	ansiBlue    = "\033[0;34m"
)

// Status labels of the STATUS column.
const (
	StatusBreached = "BREACHED"
	StatusOK       = "OK"
	StatusSkipped  = "SKIPPED"
	StatusError    = "ERROR"
)

// TableOptions controls how RenderTable renders check results.
type TableOptions struct {
	// Colored wraps status labels with ANSI codes. Default false (CI-safe).
	Colored bool

	// IncludeActions adds STOPPED and NOTIFIED columns. Useful with
	// srl check --enforce.
	IncludeActions bool
}

// Status returns the STATUS label of r.
func Status(r engine.CheckResult) string {
	switch {
	case r.Skipped:
		return StatusSkipped
	case r.Error != "":
		return StatusError
	case r.Result != nil && r.Result.Breached:
		return StatusBreached
	default:
		return StatusOK
	}
}

// ShortenMessage truncates msg to at most max runes, appending "..." when truncated.
// max is treated as at least 4 to guarantee space for the ellipsis.
func ShortenMessage(msg string, max int) string {
	if max < 4 {
		max = 4
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-3]) + "..."
}

// statusCell returns the status padded to width characters. ANSI codes wrap
// only the text so trailing padding stays aligned.
func statusCell(status string, width int, colored bool) string {
	if !colored {
		return fmt.Sprintf("%-*s", width, status)
	}
	var code string
	switch status {
	case StatusBreached:
		code = ansiBoldRed
	case StatusError:
		code = ansiYellow
	case StatusSkipped:
		code = ansiBlue
	case StatusOK:
		code = ansiGreen
	default:
		return fmt.Sprintf("%-*s", width, status)
	}
	spaces := width - len(status)
	if spaces < 0 {
		spaces = 0
	}
	return code + status + ansiReset + strings.Repeat(" ", spaces)
}

// truncateField shortens s to at most max bytes for ID/label columns.
func truncateField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func amounts(r engine.CheckResult) (measured, threshold string) {
	if r.Result == nil {
		return "-", "-"
	}
	return r.Result.Measured.StringFixed(2), r.Result.Threshold.StringFixed(2)
}

func actionCells(r engine.CheckResult) (stopped, notified string) {
	if r.Dispatch == nil {
		return "-", "-"
	}
	stopped = string(r.Dispatch.Stopped)
	switch {
	case r.Dispatch.Suppressed:
		notified = "suppressed"
	case r.Dispatch.Notified && r.Dispatch.Forced:
		notified = "forced"
	case r.Dispatch.Notified:
		notified = "yes"
	case r.Dispatch.NotifyErr != nil:
		notified = "failed"
	default:
		notified = "no"
	}
	return stopped, notified
}

// RenderTable writes a formatted check-results table to w.
//
// Column order:
//
//	RULE  RESOURCE  STATUS  MEASURED  THRESHOLD  [STOPPED  NOTIFIED]  NOTE
func RenderTable(w io.Writer, results []engine.CheckResult, opts TableOptions) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No enabled rules.")
		return
	}

	const (
		wRule     = 20
		wResource = 40
		wStatus   = 8
		wAmount   = 12
		wStopped  = 8
		wNotified = 10
		wNote     = 50
	)

	var hb strings.Builder
	hb.WriteString(fmt.Sprintf("%-*s", wRule, "RULE"))
	hb.WriteString(fmt.Sprintf("  %-*s", wResource, "RESOURCE"))
	hb.WriteString(fmt.Sprintf("  %-*s", wStatus, "STATUS"))
	hb.WriteString(fmt.Sprintf("  %*s", wAmount, "MEASURED"))
	hb.WriteString(fmt.Sprintf("  %*s", wAmount, "THRESHOLD"))
	if opts.IncludeActions {
		hb.WriteString(fmt.Sprintf("  %-*s", wStopped, "STOPPED"))
		hb.WriteString(fmt.Sprintf("  %-*s", wNotified, "NOTIFIED"))
	}
	hb.WriteString("  NOTE")
	header := hb.String()

	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))

	for _, r := range results {
		measured, threshold := amounts(r)

		var rb strings.Builder
		rb.WriteString(fmt.Sprintf("%-*s", wRule, truncateField(r.Rule, wRule)))
		rb.WriteString(fmt.Sprintf("  %-*s", wResource, truncateField(r.Resource, wResource)))
		rb.WriteString("  " + statusCell(Status(r), wStatus, opts.Colored))
		rb.WriteString(fmt.Sprintf("  %*s", wAmount, measured))
		rb.WriteString(fmt.Sprintf("  %*s", wAmount, threshold))
		if opts.IncludeActions {
			stopped, notified := actionCells(r)
			rb.WriteString(fmt.Sprintf("  %-*s", wStopped, stopped))
			rb.WriteString(fmt.Sprintf("  %-*s", wNotified, notified))
		}
		rb.WriteString("  " + ShortenMessage(note(r), wNote))
		fmt.Fprintln(w, strings.TrimRight(rb.String(), " "))
	}
}

func note(r engine.CheckResult) string {
	if r.Error != "" {
		return r.Error
	}
	if r.Dispatch != nil && r.Dispatch.StopErr != nil {
		return r.Dispatch.StopErr.Error()
	}
	return ""
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

// jsonResult is the stable JSON shape of one check result.
type jsonResult struct {
	Rule      string `json:"rule"`
	Resource  string `json:"resource"`
	Status    string `json:"status"`
	Measured  string `json:"measured,omitempty"`
	Threshold string `json:"threshold,omitempty"`
	BreachID  string `json:"breachId,omitempty"`
	Error     string `json:"error,omitempty"`

	Stopped    notify.StopOutcome `json:"stopped,omitempty"`
	Notified   *bool              `json:"notified,omitempty"`
	Suppressed bool               `json:"suppressed,omitempty"`
	Forced     bool               `json:"forced,omitempty"`
	StopError  string             `json:"stopError,omitempty"`
	NotifyErr  string             `json:"notifyError,omitempty"`
}

// RenderJSON writes results as an indented JSON array.
func RenderJSON(w io.Writer, results []engine.CheckResult) error {
	out := make([]jsonResult, 0, len(results))
	for _, r := range results {
		j := jsonResult{
			Rule:     r.Rule,
			Resource: r.Resource,
			Status:   Status(r),
			Error:    r.Error,
		}
		if r.Result != nil {
			j.Measured = r.Result.Measured.String()
			j.Threshold = r.Result.Threshold.String()
			if r.Result.Breached {
				j.BreachID = r.Result.ID
			}
		}
		if d := r.Dispatch; d != nil {
			notified := d.Notified
			j.Stopped = d.Stopped
			j.Notified = &notified
			j.Suppressed = d.Suppressed
			j.Forced = d.Forced
			if d.StopErr != nil {
				j.StopError = d.StopErr.Error()
			}
			if d.NotifyErr != nil {
				j.NotifyErr = d.NotifyErr.Error()
			}
		}
		out = append(out, j)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
