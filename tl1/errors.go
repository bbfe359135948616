package tl1

import (
	"fmt"
	"strings"
)

// SpecErrorKind classifies problems found before any I/O happens.
type SpecErrorKind int

const (
	SpecNotFound SpecErrorKind = iota
	SpecMissingRequiredParameter
	SpecInvalid
)

func (k SpecErrorKind) String() string {
	switch k {
	case SpecNotFound:
		return "not found"
	case SpecMissingRequiredParameter:
		return "missing required parameter"
	default:
		return "invalid"
	}
}

// SpecError rejects a command request synchronously.
type SpecError struct {
	Kind        SpecErrorKind
	ID          string
	Param       string
	Msg         string
	Suggestions []string
}

func (e *SpecError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tl1: command %q: %s", e.ID, e.Kind)
	if e.Param != "" {
		fmt.Fprintf(&b, " %s", e.Param)
	}
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	if len(e.Suggestions) > 0 {
		fmt.Fprintf(&b, " (did you mean %s?)", strings.Join(e.Suggestions, ", "))
	}
	return b.String()
}

// ProtocolError reports a response that could not be classified as a device
// verdict.
type ProtocolError struct {
	Kind  Kind
	CTAG  string
	Lines []string
}

func (e *ProtocolError) Error() string {
	switch e.Kind {
	case TimedOut:
		return fmt.Sprintf("tl1: ctag %s: no terminated response before deadline (%d lines)", e.CTAG, len(e.Lines))
	default:
		return fmt.Sprintf("tl1: ctag %s: malformed response (%d lines)", e.CTAG, len(e.Lines))
	}
}
