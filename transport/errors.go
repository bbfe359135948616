package transport

import (
	"errors"
	"fmt"
	"io"
)

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	KindIO ErrorKind = iota
	KindRefused
	KindTimeout
	KindUnreachable
	KindClosed
	KindReadTimeout
	KindLineTooLong
)

func (k ErrorKind) String() string {
	switch k {
	case KindRefused:
		return "connection refused"
	case KindTimeout:
		return "connect timeout"
	case KindUnreachable:
		return "unreachable"
	case KindClosed:
		return "closed"
	case KindReadTimeout:
		return "read timeout"
	case KindLineTooLong:
		return "line too long"
	default:
		return "i/o error"
	}
}

// Error is returned by every Transport operation that fails.
type Error struct {
	Op   string
	Addr string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s %s: %s", e.Op, e.Addr, e.Kind)
	}
	return fmt.Sprintf("transport: %s %s: %s: %v", e.Op, e.Addr, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a transport Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
