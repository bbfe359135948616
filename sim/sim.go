// Package sim is a small TL1 network element for local testing. It answers
// every command with COMPLD unless a handler is registered for the command
// code, serves an alarm table to RTRV-ALM, and can push autonomous messages.
package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"tl1assist/telnet"
	"tl1assist/tl1"
)

const defaultSID = "SIM"

// Request is one command received from a client.
type Request struct {
	Line   string
	Code   string
	TID    string
	AID    string
	CTAG   string
	Params map[string]string
}

// Handler produces the response lines for a request. Returning nil sends
// nothing, which lets tests model a silent device.
type Handler func(Request) []string

// Alarm is one entry of the simulated alarm table.
type Alarm struct {
	AID       string
	Condition string
}

// Options configures a Simulator.
type Options struct {
	Addr   string // listen address, "127.0.0.1:0" when empty
	SID    string // source identifier printed in response headers
	Telnet bool   // open each connection with option negotiation
	Alarms []Alarm
}

// Simulator is a TCP TL1 device.
type Simulator struct {
	sid    string
	telnet bool

	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	alarms   map[string]string
	conns    map[net.Conn]*sync.Mutex
	received []string
	now      func() time.Time
}

// DefaultAlarms mirrors a two-port OC-12 shelf with one remote alarm.
func DefaultAlarms() []Alarm {
	return []Alarm{{AID: "OC12-1", Condition: "RAI"}, {AID: "OC12-2", Condition: "CLEAR"}}
}

// Start listens and serves until Close.
func Start(opts Options) (*Simulator, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := listenWithReuse(addr)
	if err != nil {
		return nil, fmt.Errorf("sim: listen %s: %w", addr, err)
	}
	s := &Simulator{
		sid:      opts.SID,
		telnet:   opts.Telnet,
		listener: ln,
		shutdown: make(chan struct{}),
		handlers: make(map[string]Handler),
		alarms:   make(map[string]string),
		conns:    make(map[net.Conn]*sync.Mutex),
		now:      time.Now,
	}
	if s.sid == "" {
		s.sid = defaultSID
	}
	for _, a := range opts.Alarms {
		s.alarms[strings.ToUpper(a.AID)] = a.Condition
	}
	s.wg.Add(1)
	go s.acceptConnections()
	log.Printf("Simulator listening on %s", ln.Addr())
	return s, nil
}

// listenWithReuse enables SO_REUSEADDR so a restarted simulator can rebind
// its port at once. It falls back to a plain Listen when the control call
// fails.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

// Addr returns host and port of the listener.
func (s *Simulator) Addr() (string, int) {
	tcp := s.listener.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

// Handle installs h for a command code such as "ENT-CRS-STS1".
func (s *Simulator) Handle(code string, h Handler) {
	s.mu.Lock()
	s.handlers[strings.ToUpper(strings.TrimSpace(code))] = h
	s.mu.Unlock()
}

// SetAlarm adds or replaces one alarm table entry.
func (s *Simulator) SetAlarm(aid, condition string) {
	s.mu.Lock()
	s.alarms[strings.ToUpper(aid)] = condition
	s.mu.Unlock()
}

// Received returns every command line seen so far, in arrival order.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Emit pushes an autonomous message to every connected client.
func (s *Simulator) Emit(atag, condition string, body ...string) {
	lines := []string{s.header(), fmt.Sprintf("A  %s %s", atag, condition)}
	for _, b := range body {
		lines = append(lines, "   "+b)
	}
	lines = append(lines, ";")
	s.mu.Lock()
	conns := make(map[net.Conn]*sync.Mutex, len(s.conns))
	for c, mu := range s.conns {
		conns[c] = mu
	}
	s.mu.Unlock()
	for c, mu := range conns {
		writeLines(c, mu, lines)
	}
}

// Response formats a complete response block with header, primary line,
// quoted data lines and terminator.
func (s *Simulator) Response(ctag, code string, data ...string) []string {
	lines := []string{s.header(), fmt.Sprintf("M  %s %s", ctag, code)}
	for _, d := range data {
		lines = append(lines, "   "+d)
	}
	return append(lines, ";")
}

func (s *Simulator) header() string {
	return fmt.Sprintf("   %s %s", s.sid, s.now().UTC().Format("06-01-02 15:04:05"))
}

// Close stops accepting, drops every client and waits for the handlers.
func (s *Simulator) Close() error {
	select {
	case <-s.shutdown:
		return nil
	default:
	}
	close(s.shutdown)
	err := s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Simulator) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Simulator: accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleClient(conn)
	}
}

func (s *Simulator) handleClient(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = writeMu
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if s.telnet {
		writeMu.Lock()
		_, _ = conn.Write([]byte{telnet.IAC, telnet.WILL, telnet.OptSGA, telnet.IAC, telnet.DO, telnet.OptEcho})
		writeMu.Unlock()
	}

	parser := &telnet.Parser{}
	reader := bufio.NewReader(conn)
	for {
		raw, err := reader.ReadBytes('\n')
		if len(raw) > 0 {
			clean, _ := parser.Feed(raw)
			line := strings.TrimSpace(string(clean))
			if line != "" {
				if resp := s.dispatch(line); len(resp) > 0 {
					writeLines(conn, writeMu, resp)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Simulator) dispatch(line string) []string {
	req := parseRequest(line)
	s.mu.Lock()
	s.received = append(s.received, line)
	h := s.handlers[req.Code]
	s.mu.Unlock()
	if h != nil {
		return h(req)
	}
	if strings.HasPrefix(req.Code, "RTRV-ALM") {
		return s.Response(req.CTAG, "COMPLD", s.alarmLines(req.AID)...)
	}
	return s.Response(req.CTAG, "COMPLD")
}

func (s *Simulator) alarmLines(aid string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	aid = strings.ToUpper(aid)
	if aid != "" && aid != "ALL" {
		cond, ok := s.alarms[aid]
		if !ok {
			cond = "CLEAR"
		}
		return []string{fmt.Sprintf("%q", aid+":"+cond)}
	}
	aids := make([]string, 0, len(s.alarms))
	for a := range s.alarms {
		aids = append(aids, a)
	}
	sort.Strings(aids)
	out := make([]string, 0, len(aids))
	for _, a := range aids {
		out = append(out, fmt.Sprintf("%q", a+":"+s.alarms[a]))
	}
	return out
}

func parseRequest(line string) Request {
	body := strings.TrimSuffix(strings.TrimSpace(line), ";")
	fields := strings.SplitN(body, ":", 6)
	req := Request{Line: line, Code: strings.ToUpper(strings.TrimSpace(fields[0])), Params: map[string]string{}}
	if len(fields) > 1 {
		req.TID = fields[1]
	}
	if len(fields) > 2 {
		req.AID = fields[2]
	}
	req.CTAG = tl1.CTAGOf(line)
	if req.CTAG == "" {
		req.CTAG = "0"
	}
	if len(fields) > 5 {
		for _, kv := range strings.Split(fields[5], ",") {
			k, v, ok := strings.Cut(kv, "=")
			if ok {
				req.Params[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
			}
		}
	}
	if req.AID == "" {
		req.AID = req.Params["AID"]
	}
	return req
}

func writeLines(conn net.Conn, mu *sync.Mutex, lines []string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte(b.String()))
	_ = conn.SetWriteDeadline(time.Time{})
}
