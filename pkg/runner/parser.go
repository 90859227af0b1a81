package runner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/groundcrew/groundcrew/pkg/session"
)

// Output line patterns for the supported engine binaries. Terraform and
// OpenTofu share these formats.
var (
	planSummaryRe  = regexp.MustCompile(`Plan: (\d+) to add, (\d+) to change, (\d+) to destroy\.`)
	applySummaryRe = regexp.MustCompile(`Apply complete! Resources: (\d+) added, (\d+) changed, (\d+) destroyed\.`)

	startRe    = regexp.MustCompile(`^([^\s:]+): (Creating|Modifying|Destroying)\.\.\.`)
	stillRe    = regexp.MustCompile(`^([^\s:]+): Still (creating|modifying|destroying)\.\.\.(?: (\[[^\]]+\]))?`)
	completeRe = regexp.MustCompile(`^([^\s:]+): (Creation|Modifications|Destruction) complete`)
	erroredRe  = regexp.MustCompile(`^([^\s:]+): (Creation|Modifications|Destruction) errored`)
)

// Parser is the line-feed state machine for engine output. It never
// touches a process: feed it lines, read progress and the change summary.
type Parser struct {
	total     int
	completed map[string]struct{}
	current   string

	summary    session.ChangeSummary
	sawSummary bool
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{completed: make(map[string]struct{})}
}

// SeedTotal sets the expected number of resource operations, typically
// from a previously stored plan summary.
func (p *Parser) SeedTotal(total int) {
	if total > p.total {
		p.total = total
	}
}

// Feed consumes one output line and returns true if the visible progress
// view changed. Callers use the return value to bound callback frequency.
func (p *Parser) Feed(line string) bool {
	line = strings.TrimRight(line, "\r\n")

	if m := planSummaryRe.FindStringSubmatch(line); m != nil {
		p.setSummary(m)
		return true
	}
	if m := applySummaryRe.FindStringSubmatch(line); m != nil {
		p.setSummary(m)
		return true
	}

	if m := startRe.FindStringSubmatch(line); m != nil {
		return p.setCurrent(m[2] + " " + m[1])
	}
	if m := stillRe.FindStringSubmatch(line); m != nil {
		// Refreshes the action text, elapsed marker included, so the
		// view keeps moving on long operations; no counter movement.
		action := capitalize(m[2]) + " " + m[1]
		if m[3] != "" {
			action += " " + m[3]
		}
		return p.setCurrent(action)
	}
	if m := completeRe.FindStringSubmatch(line); m != nil {
		return p.complete(m[1], m[2]+" complete: "+m[1])
	}
	if m := erroredRe.FindStringSubmatch(line); m != nil {
		return p.complete(m[1], m[2]+" errored: "+m[1])
	}

	return false
}

// setSummary records a change summary and grows the total accordingly.
func (p *Parser) setSummary(m []string) {
	add, _ := strconv.Atoi(m[1])
	change, _ := strconv.Atoi(m[2])
	destroy, _ := strconv.Atoi(m[3])

	p.summary = session.ChangeSummary{ToCreate: add, ToUpdate: change, ToDelete: destroy}
	p.sawSummary = true
	p.SeedTotal(p.summary.Total())
}

// setCurrent updates the human-readable current action.
func (p *Parser) setCurrent(action string) bool {
	if p.current == action {
		return false
	}
	p.current = action
	return true
}

// complete counts a finished resource operation exactly once per address.
// Duplicate completion lines for the same resource are idempotent.
func (p *Parser) complete(addr, action string) bool {
	changed := p.setCurrent(action)
	if _, seen := p.completed[addr]; seen {
		return changed
	}
	p.completed[addr] = struct{}{}
	return true
}

// Progress returns the current (completed, total, action) view. The total
// is grown to cover observed completions so completed never exceeds it.
func (p *Parser) Progress() session.Progress {
	total := p.total
	if len(p.completed) > total {
		total = len(p.completed)
	}
	return session.Progress{
		Completed:     len(p.completed),
		Total:         total,
		CurrentAction: p.current,
	}
}

// Summary returns the parsed change summary and whether one was observed.
// Absence of a summary line means zero changes and is not an error.
func (p *Parser) Summary() (session.ChangeSummary, bool) {
	return p.summary, p.sawSummary
}

// capitalize upper-cases the first ASCII letter of s.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
