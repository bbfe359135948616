package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"tl1assist/commands"

	"github.com/chzyer/readline"
	"golang.org/x/term"
)

const resetANSI = "\x1b[0m"

// replyColors maps reply tags to ANSI colors. Lines without a known tag pass
// through unchanged.
var replyColors = []struct {
	prefix string
	color  string
}{
	{"[ERROR]", "\x1b[31m"},
	{"Error:", "\x1b[31m"},
	{"[WARN]", "\x1b[33m"},
	{"[OK]", "\x1b[32m"},
	{"[SEND]", "\x1b[36m"},
	{"[STEP", "\x1b[1m"},
	{"[INFO]", "\x1b[34m"},
}

// colorize applies tag colors line by line when enabled.
func colorize(reply string, enable bool) string {
	if !enable || reply == "" {
		return reply
	}
	lines := strings.SplitAfter(reply, "\n")
	var b strings.Builder
	for _, line := range lines {
		body := strings.TrimSuffix(line, "\n")
		colored := false
		for _, rc := range replyColors {
			if strings.HasPrefix(body, rc.prefix) {
				b.WriteString(rc.color)
				b.WriteString(body)
				b.WriteString(resetANSI)
				colored = true
				break
			}
		}
		if !colored {
			b.WriteString(body)
		}
		if strings.HasSuffix(line, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func isStdinTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// console feeds operator lines to the processor until BYE, EOF or ctx ends.
type console struct {
	proc    *commands.Processor
	logs    *logFanout
	prompt  string
	history string
	color   bool
}

// Purpose: Run the interactive prompt.
// Key aspects: Uses the line editor on a terminal and routes log output
// through it so background lines do not tear the prompt; piped input falls
// back to a plain line scanner.
// Upstream: main.
// Downstream: commands.Processor.ProcessCommand.
func (c *console) run(ctx context.Context) error {
	if !isStdinTTY() {
		return c.runPlain(ctx, os.Stdin, os.Stdout)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt,
		HistoryFile:     c.history,
		HistoryLimit:    500,
		InterruptPrompt: "^C",
		EOFPrompt:       "bye",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Console: line editor unavailable (%v), using plain input\n", err)
		return c.runPlain(ctx, os.Stdin, os.Stdout)
	}
	defer rl.Close()
	if c.logs != nil {
		c.logs.SetConsole(rl.Stdout())
		defer c.logs.SetConsole(os.Stdout)
	}
	out := rl.Stdout()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("console: %w", err)
		}
		if c.handle(ctx, line, out) {
			return nil
		}
	}
}

// runPlain serves scripted sessions, e.g. commands piped on stdin.
func (c *console) runPlain(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if c.handle(ctx, scanner.Text(), out) {
			return nil
		}
	}
	return scanner.Err()
}

// handle runs one line and reports whether the console should end.
func (c *console) handle(ctx context.Context, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	reply := c.proc.ProcessCommand(ctx, line)
	if c.logs != nil {
		c.logs.Transcript(line, reply)
	}
	if reply == "BYE" {
		fmt.Fprintln(out, "Goodbye.")
		return true
	}
	fmt.Fprint(out, colorize(reply, c.color))
	return false
}
