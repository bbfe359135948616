package transport

import (
	"net"
	"time"

	"tl1assist/telnet"
)

const readChunk = 4096

type lineReader struct {
	conn     net.Conn
	readFn   func([]byte) (int, error)
	parser   *telnet.Parser
	replyFn  func([]byte)
	buf      []byte
	readBuf  []byte
	maxLine  int
	dropping bool
}

// errLineTooLong carries a preview and length when a line exceeds maxLine.
type errLineTooLong struct {
	preview string
	length  int
}

func (e errLineTooLong) Error() string {
	return "line too long"
}

// newLineReader reads CR/LF framed lines from conn. When parser is nil the
// bytes returned by readFn are treated as already-clean payload (raw TCP or
// a telnet library that strips IAC itself).
func newLineReader(conn net.Conn, readFn func([]byte) (int, error), parser *telnet.Parser, replyFn func([]byte), maxLine int) *lineReader {
	if readFn == nil {
		readFn = conn.Read
	}
	return &lineReader{
		conn:    conn,
		readFn:  readFn,
		parser:  parser,
		replyFn: replyFn,
		buf:     make([]byte, 0, 256),
		readBuf: make([]byte, readChunk),
		maxLine: maxLine,
	}
}

// ReadLine returns the next complete line without its terminator. Bytes of an
// unfinished line stay buffered across calls, so a deadline never yields a
// partial line.
func (r *lineReader) ReadLine(deadline time.Time) (string, error) {
	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	for {
		if !r.dropping {
			line, ready, err := r.tryReadLine()
			if ready {
				return line, err
			}
		}
		n, err := r.readFn(r.readBuf)
		if n > 0 {
			data := r.readBuf[:n]
			if r.parser != nil {
				out, replies := r.parser.Feed(data)
				if len(replies) > 0 && r.replyFn != nil {
					for _, rep := range replies {
						r.replyFn(rep)
					}
				}
				data = out
			}
			if r.dropping {
				if idx, size := indexTerminator(data); idx >= 0 {
					r.dropping = false
					r.buf = append(r.buf[:0], data[idx+size:]...)
				}
			} else {
				r.buf = append(r.buf, data...)
			}
		}
		if err != nil {
			return "", err
		}
	}
}

func (r *lineReader) tryReadLine() (string, bool, error) {
	r.buf = trimLeadingTerminators(r.buf)
	if len(r.buf) == 0 {
		return "", false, nil
	}
	if idx, size := indexTerminator(r.buf); idx >= 0 {
		line := string(r.buf[:idx])
		r.buf = append(r.buf[:0], r.buf[idx+size:]...)
		if r.maxLine > 0 && len(line) > r.maxLine {
			return "", true, errLineTooLong{preview: line[:min(len(line), 64)], length: len(line)}
		}
		return line, true, nil
	}
	if r.maxLine > 0 && len(r.buf) > r.maxLine {
		// Drop the oversized fragment and skip to the next terminator.
		preview := string(r.buf[:min(len(r.buf), 64)])
		length := len(r.buf)
		r.buf = r.buf[:0]
		r.dropping = true
		return "", true, errLineTooLong{preview: preview, length: length}
	}
	return "", false, nil
}

// trimLeadingTerminators discards leading CR/LF/NUL bytes so lines start cleanly.
func trimLeadingTerminators(b []byte) []byte {
	for len(b) > 0 && isTerminator(b[0]) {
		b = b[1:]
	}
	return b
}

func isTerminator(b byte) bool {
	return b == '\n' || b == '\r' || b == 0
}

// indexTerminator returns the index and width of the first CRLF, CR or LF.
func indexTerminator(b []byte) (int, int) {
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case '\n':
			return i, 1
		case '\r':
			if i+1 < len(b) && b[i+1] == '\n' {
				return i, 2
			}
			return i, 1
		}
	}
	return -1, 0
}
