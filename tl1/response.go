package tl1

import (
	"strings"
)

// Kind is the classification of one response.
type Kind int

const (
	Pending Kind = iota
	Completed
	Denied
	PartialSuccess
	Malformed
	TimedOut
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Denied:
		return "denied"
	case PartialSuccess:
		return "partialSuccess"
	case Malformed:
		return "malformed"
	case TimedOut:
		return "timedOut"
	default:
		return "pending"
	}
}

// Terminal reports whether k is a final classification.
func (k Kind) Terminal() bool { return k != Pending }

// ParseKind accepts either a completion code (COMPLD, DENY, PRTL) or a kind
// name. Empty input maps to Completed.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "compld", "completed", "success":
		return Completed, true
	case "deny", "denied":
		return Denied, true
	case "prtl", "partial", "partialsuccess":
		return PartialSuccess, true
	case "malformed":
		return Malformed, true
	case "timedout", "timeout":
		return TimedOut, true
	default:
		return Pending, false
	}
}

func codeKind(code string) (Kind, bool) {
	switch code {
	case "COMPLD", "DELAY":
		return Completed, true
	case "DENY":
		return Denied, true
	case "PRTL":
		return PartialSuccess, true
	default:
		return Malformed, false
	}
}

// Envelope is the accumulated response to one command.
type Envelope struct {
	Lines []string // every line received, in order
	Data  []string // lines inside the matching response blocks after the primary line
	CTAG  string
	Code  string // completion code from the primary line, e.g. COMPLD
	Kind  Kind
}

// Success reports Completed or PartialSuccess.
func (e Envelope) Success() bool {
	return e.Kind == Completed || e.Kind == PartialSuccess
}

// Classifier folds response lines into an Envelope. Only blocks whose
// primary line ("M <ctag> <code>") carries the expected CTAG count; other
// blocks and autonomous messages are kept in Lines but skipped. With an empty
// expected CTAG the first primary line is accepted.
type Classifier struct {
	ctag     string
	env      Envelope
	primary  bool
	known    bool
	skipping bool
	cont     bool
	final    bool
}

func NewClassifier(ctag string) *Classifier {
	return &Classifier{ctag: strings.TrimSpace(ctag), env: Envelope{CTAG: strings.TrimSpace(ctag)}}
}

// Purpose: Consume one response line and report whether the response ended.
// Key aspects: Terminal on a line ending in ';' inside the matching block; a
// sole '>' continues a multi-block response; once final the envelope is
// frozen and further lines are ignored.
// Upstream: session.Session read loop, Classify.
// Downstream: None.
func (c *Classifier) Feed(line string) bool {
	if c.final {
		return true
	}
	c.env.Lines = append(c.env.Lines, line)
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if trimmed == ">" {
		// Continuation: the next block repeats header and primary line.
		c.skipping = false
		c.cont = c.primary
		return false
	}
	terminal := strings.HasSuffix(trimmed, ";")
	body := strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	fields := strings.Fields(body)

	if !c.primary && !c.skipping && len(fields) > 0 {
		switch {
		case fields[0] == "M" && len(fields) >= 3:
			if c.ctag != "" && fields[1] != c.ctag {
				c.skipping = true
				break
			}
			c.primary = true
			if c.env.CTAG == "" {
				c.env.CTAG = fields[1]
			}
			c.env.Code = fields[2]
			_, c.known = codeKind(fields[2])
		case isHeaderLine(fields):
			// "<sid> <date> <time>"; the SID may itself look like an alarm code.
		case isAutonomousCode(fields[0]) && len(fields) >= 2:
			c.skipping = true
		case terminal && c.ctag != "" && CTAGOf(body) == c.ctag && strings.Contains(body, ":"):
			// Echo of our own command from a device in echo mode.
			return false
		}
	} else if c.primary && !terminal && len(fields) > 0 {
		switch {
		case isPrimaryRepeat(fields, c.env.CTAG):
			c.cont = false
		case !c.cont:
			c.env.Data = append(c.env.Data, trimmed)
		}
	}

	if !terminal {
		return false
	}
	if c.skipping {
		c.skipping = false
		return false
	}
	if c.primary && c.known {
		c.env.Kind, _ = codeKind(c.env.Code)
	} else {
		c.env.Kind = Malformed
	}
	c.final = true
	return true
}

// Expire finalizes a still pending response as TimedOut.
func (c *Classifier) Expire() Envelope {
	if !c.final {
		c.env.Kind = TimedOut
		c.final = true
	}
	return c.Envelope()
}

// Done reports whether the envelope is final.
func (c *Classifier) Done() bool { return c.final }

// Envelope returns a copy of the current envelope.
func (c *Classifier) Envelope() Envelope {
	env := c.env
	env.Lines = append([]string(nil), c.env.Lines...)
	env.Data = append([]string(nil), c.env.Data...)
	return env
}

// Classify runs a fresh classifier over lines. A response without a
// terminator stays Pending.
func Classify(lines []string) Envelope {
	c := NewClassifier("")
	for _, line := range lines {
		if c.Feed(line) {
			break
		}
	}
	return c.Envelope()
}

func isAutonomousCode(tok string) bool {
	switch tok {
	case "A", "*C", "**", "*", "*^":
		return true
	}
	return false
}

// isHeaderLine matches a response header: SID, date (YY-MM-DD or
// YYYY-MM-DD) and time.
func isHeaderLine(fields []string) bool {
	return len(fields) >= 3 && isDate(fields[1]) && strings.Count(fields[2], ":") == 2
}

func isDate(tok string) bool {
	parts := strings.Split(tok, "-")
	if len(parts) != 3 {
		return false
	}
	for i, p := range parts {
		if p == "" || (i == 0 && len(p) != 2 && len(p) != 4) || (i > 0 && len(p) != 2) {
			return false
		}
		for j := 0; j < len(p); j++ {
			if p[j] < '0' || p[j] > '9' {
				return false
			}
		}
	}
	return true
}

// isPrimaryRepeat matches the repeated primary line of a continuation block.
func isPrimaryRepeat(fields []string, ctag string) bool {
	return len(fields) >= 3 && fields[0] == "M" && fields[1] == ctag
}
