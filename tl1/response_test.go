package tl1

import (
	"errors"
	"testing"
)

func TestClassifyCompleted(t *testing.T) {
	env := Classify([]string{"M 123 COMPLD", ";"})
	if env.Kind != Completed {
		t.Fatalf("expected completed, got %s", env.Kind)
	}
	if env.CTAG != "123" || env.Code != "COMPLD" {
		t.Fatalf("unexpected ctag/code %q/%q", env.CTAG, env.Code)
	}
}

func TestClassifyDenied(t *testing.T) {
	env := Classify([]string{"M 123 DENY", "IDNV", ";"})
	if env.Kind != Denied {
		t.Fatalf("expected denied, got %s", env.Kind)
	}
	if len(env.Data) != 1 || env.Data[0] != "IDNV" {
		t.Fatalf("expected IDNV data line, got %v", env.Data)
	}
}

func TestClassifyPartialAndDelay(t *testing.T) {
	if env := Classify([]string{"M  4 PRTL", ";"}); env.Kind != PartialSuccess {
		t.Fatalf("expected partial, got %s", env.Kind)
	}
	if env := Classify([]string{"M  4 DELAY;"}); env.Kind != Completed {
		t.Fatalf("expected delay to count as completed, got %s", env.Kind)
	}
}

func TestClassifyMalformedWithoutPrimaryLine(t *testing.T) {
	env := Classify([]string{"   SIM01 25-01-01 00:00:00", "garbage", ";"})
	if env.Kind != Malformed {
		t.Fatalf("expected malformed, got %s", env.Kind)
	}
	if env := Classify([]string{"M 9 WHAT", ";"}); env.Kind != Malformed {
		t.Fatalf("expected malformed for unknown code, got %s", env.Kind)
	}
}

func TestClassifyIgnoresKeywordInDataLines(t *testing.T) {
	// A data line mentioning DENY must not change a COMPLD verdict.
	env := Classify([]string{
		"   SIM01 25-01-01 00:00:00",
		"M  7 COMPLD",
		`   "LOG-1:DENY,attempts=3"`,
		";",
	})
	if env.Kind != Completed {
		t.Fatalf("expected completed, got %s", env.Kind)
	}
	if len(env.Data) != 1 {
		t.Fatalf("expected one data line, got %v", env.Data)
	}
}

func TestClassifyPendingWithoutTerminator(t *testing.T) {
	env := Classify([]string{"M 1 COMPLD"})
	if env.Kind != Pending {
		t.Fatalf("expected pending, got %s", env.Kind)
	}
}

func TestClassifierSkipsForeignBlocksAndAutonomousMessages(t *testing.T) {
	c := NewClassifier("5")
	lines := []string{
		"   NE1 25-01-01 00:00:00",
		"M  4 COMPLD",
		";",
		"   NE1 25-01-01 00:00:01",
		"*C  101 REPT ALM OC12",
		`   "OC12-1:CR,LOS,SA"`,
		";",
		"RTRV-HDR:::5::;",
		"   NE1 25-01-01 00:00:02",
		"M  5 DENY",
		"   IIAC",
		";",
	}
	terminalAt := -1
	for i, line := range lines {
		if c.Feed(line) {
			terminalAt = i
			break
		}
	}
	if terminalAt != len(lines)-1 {
		t.Fatalf("expected terminal on last line, got %d", terminalAt)
	}
	env := c.Envelope()
	if env.Kind != Denied || env.CTAG != "5" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if len(env.Lines) != len(lines) {
		t.Fatalf("expected all lines recorded, got %d", len(env.Lines))
	}
	if len(env.Data) != 1 || env.Data[0] != "IIAC" {
		t.Fatalf("unexpected data %v", env.Data)
	}
}

func TestClassifierHeaderWithAlarmLikeSID(t *testing.T) {
	for _, sid := range []string{"A", "*", "**", "*C"} {
		c := NewClassifier("7")
		lines := []string{
			"   " + sid + " 24-01-01 12:00:00",
			"A  12 REPT ALM",
			";",
			"   " + sid + " 24-01-01 12:00:00",
			"M  7 COMPLD",
			";",
		}
		terminal := false
		for _, line := range lines {
			if terminal = c.Feed(line); terminal {
				break
			}
		}
		if !terminal {
			t.Fatalf("sid %q: expected terminal envelope", sid)
		}
		if env := c.Envelope(); env.Kind != Completed || env.CTAG != "7" {
			t.Fatalf("sid %q: unexpected envelope %+v", sid, env)
		}
	}

	c := NewClassifier("7")
	for _, line := range []string{"   A 2024-01-01 12:00:00", "M  7 COMPLD"} {
		if c.Feed(line) {
			t.Fatalf("terminal before terminator")
		}
	}
	if !c.Feed(";") || c.Envelope().Kind != Completed {
		t.Fatalf("unexpected envelope %+v", c.Envelope())
	}
}

func TestClassifierContinuationBlocks(t *testing.T) {
	c := NewClassifier("8")
	lines := []string{
		"   NE1 25-01-01 00:00:00",
		"M  8 COMPLD",
		`   "FAC-1:IS"`,
		">",
		"   NE1 25-01-01 00:00:00",
		"M  8 COMPLD",
		`   "FAC-2:OOS"`,
		";",
	}
	for i, line := range lines {
		done := c.Feed(line)
		if done != (i == len(lines)-1) {
			t.Fatalf("line %d (%q): terminal=%v", i, line, done)
		}
	}
	env := c.Envelope()
	if env.Kind != Completed || len(env.Data) != 2 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestClassifierFinalizedOnce(t *testing.T) {
	c := NewClassifier("1")
	c.Feed("M  1 COMPLD")
	c.Feed(";")
	c.Feed("M  1 DENY")
	c.Feed(";")
	if env := c.Expire(); env.Kind != Completed || len(env.Lines) != 2 {
		t.Fatalf("envelope changed after finalization: %+v", env)
	}

	pending := NewClassifier("2")
	pending.Feed("M  2 COMPLD")
	if env := pending.Expire(); env.Kind != TimedOut {
		t.Fatalf("expected timed out, got %s", env.Kind)
	}
	if pending.Feed(";") != true || pending.Envelope().Kind != TimedOut {
		t.Fatalf("expired classifier accepted more input")
	}
}

func TestProtocolErrorIsTyped(t *testing.T) {
	var err error = &ProtocolError{Kind: Malformed, CTAG: "3"}
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Kind != Malformed {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{"COMPLD": Completed, "": Completed, "DENY": Denied, "prtl": PartialSuccess, "timedOut": TimedOut}
	for in, want := range cases {
		got, ok := ParseKind(in)
		if !ok || got != want {
			t.Fatalf("ParseKind(%q) = %s, %v", in, got, ok)
		}
	}
	if _, ok := ParseKind("maybe"); ok {
		t.Fatalf("expected unknown kind")
	}
}
