// Package transport owns a single TCP or Telnet connection to a TL1 network
// element. A Transport is single-use: it moves Closed -> Connecting -> Open ->
// Closed exactly once, and reconnecting means building a new instance.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"tl1assist/telnet"

	ztelnet "github.com/ziutek/telnet"
)

const (
	BackendNative = "native"
	BackendZiutek = "ziutek"

	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxLine        = 8192
)

// State is the connection lifecycle of a Transport.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Options tunes a Transport. Zero values fall back to defaults.
type Options struct {
	Telnet         bool          // Expect Telnet negotiation on the socket
	Backend        string        // Telnet backend: "native" or "ziutek"
	ConnectTimeout time.Duration // Dial bound
	WriteTimeout   time.Duration // Per-send write bound
	MaxLine        int           // Longest accepted response line
}

func normalizeOptions(opts Options) Options {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = defaultMaxLine
	}
	opts.Backend = strings.ToLower(strings.TrimSpace(opts.Backend))
	if opts.Backend == "" {
		opts.Backend = BackendNative
	}
	return opts
}

// Transport is one connection to one device.
type Transport struct {
	host string
	port int
	opts Options

	state     atomic.Int32
	used      atomic.Bool
	conn      net.Conn
	reader    *lineReader
	writer    *bufio.Writer
	writeMu   sync.Mutex
	readMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New prepares a Transport; no I/O happens until Connect.
func New(host string, port int, opts Options) *Transport {
	return &Transport{
		host: strings.TrimSpace(host),
		port: port,
		opts: normalizeOptions(opts),
	}
}

// Addr returns host:port.
func (t *Transport) Addr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// State reports the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Purpose: Dial the device and prepare the line reader/writer.
// Key aspects: Bounded by both ctx and ConnectTimeout; refused and timed out
// dials surface as distinct error kinds; the instance cannot be reused.
// Upstream: session.Session on first or post-failure execute.
// Downstream: net.Dialer.DialContext, ziutek telnet wrapper.
func (t *Transport) Connect(ctx context.Context) error {
	if !t.used.CompareAndSwap(false, true) {
		return &Error{Op: "connect", Addr: t.Addr(), Kind: KindClosed, Err: errors.New("transport already used")}
	}
	t.state.Store(int32(StateConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", t.Addr())
	if err != nil {
		t.state.Store(int32(StateClosed))
		return &Error{Op: "connect", Addr: t.Addr(), Kind: classifyDialError(ctx, err), Err: err}
	}

	readFn := conn.Read
	writeConn := net.Conn(conn)
	var parser *telnet.Parser
	if t.opts.Telnet {
		switch t.opts.Backend {
		case BackendZiutek:
			tconn, err := ztelnet.NewConn(conn)
			if err != nil {
				_ = conn.Close()
				t.state.Store(int32(StateClosed))
				return &Error{Op: "connect", Addr: t.Addr(), Kind: KindIO, Err: err}
			}
			readFn = tconn.Read
			writeConn = tconn
		default:
			parser = &telnet.Parser{}
		}
	}

	t.conn = conn
	t.writer = bufio.NewWriter(writeConn)
	t.reader = newLineReader(conn, readFn, parser, t.sendRaw, t.opts.MaxLine)
	t.state.Store(int32(StateOpen))
	log.Printf("Transport %s: connected (telnet=%v backend=%s)", t.Addr(), t.opts.Telnet, t.opts.Backend)
	return nil
}

// Send writes one command, appending the TL1 terminator when missing and a
// CRLF line end. Concurrent sends are serialized.
func (t *Transport) Send(line string) error {
	if t.State() != StateOpen {
		return &Error{Op: "send", Addr: t.Addr(), Kind: KindClosed, Err: errors.New("not connected")}
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasSuffix(line, ";") {
		line += ";"
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.opts.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	}
	if _, err := t.writer.WriteString(line + "\r\n"); err != nil {
		return t.ioError("send", err)
	}
	if err := t.writer.Flush(); err != nil {
		return t.ioError("send", err)
	}
	return nil
}

// sendRaw writes negotiation replies from the telnet parser.
func (t *Transport) sendRaw(data []byte) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writer == nil {
		return
	}
	if _, err := t.writer.Write(data); err != nil {
		return
	}
	_ = t.writer.Flush()
}

// ReadLine blocks up to timeout for the next complete response line. A
// non-positive timeout waits indefinitely.
func (t *Transport) ReadLine(timeout time.Duration) (string, error) {
	if t.State() != StateOpen {
		return "", &Error{Op: "read", Addr: t.Addr(), Kind: KindClosed, Err: errors.New("not connected")}
	}
	t.readMu.Lock()
	defer t.readMu.Unlock()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	line, err := t.reader.ReadLine(deadline)
	if err != nil {
		var tooLong errLineTooLong
		if errors.As(err, &tooLong) {
			return "", &Error{Op: "read", Addr: t.Addr(), Kind: KindLineTooLong, Err: fmt.Errorf("%d bytes: %q", tooLong.length, tooLong.preview)}
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", &Error{Op: "read", Addr: t.Addr(), Kind: KindReadTimeout, Err: err}
		}
		return "", t.ioError("read", err)
	}
	return line, nil
}

// Disconnect closes the socket. It is idempotent and safe on a Transport that
// never connected.
func (t *Transport) Disconnect() error {
	t.closeOnce.Do(func() {
		prev := t.State()
		t.state.Store(int32(StateClosed))
		t.used.Store(true)
		if t.conn != nil {
			t.closeErr = t.conn.Close()
		}
		if prev == StateOpen {
			log.Printf("Transport %s: disconnected", t.Addr())
		}
	})
	return t.closeErr
}

func (t *Transport) ioError(op string, err error) error {
	kind := KindIO
	if t.State() == StateClosed || errors.Is(err, net.ErrClosed) || isEOF(err) {
		kind = KindClosed
	}
	return &Error{Op: op, Addr: t.Addr(), Kind: kind, Err: err}
}

func classifyDialError(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if ctx.Err() != nil {
		return KindClosed
	}
	return KindUnreachable
}
