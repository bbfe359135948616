// Package commands implements the operator console. One line in, one block of
// text out: the processor parses a console command, drives the catalog, the
// job registry and the playbook engine, and formats the reply.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"tl1assist/audit"
	"tl1assist/catalog"
	"tl1assist/jobs"
	"tl1assist/playbook"
	"tl1assist/session"
	"tl1assist/tl1"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	defaultHistory = 10
	maxHistory     = 100
)

// Options wires the processor to the running services. Nil members disable
// the commands that need them.
type Options struct {
	Catalog  *catalog.Catalog
	Builder  *tl1.Builder
	Registry *jobs.Registry
	Engine   *playbook.Engine
	Pool     *session.Pool
	History  audit.Reader
	Device   session.Device
	TID      string
	OnEvent  func(run string, ev playbook.Event)
}

// Processor handles console commands against shared state.
type Processor struct {
	opts Options
}

func NewProcessor(opts Options) *Processor {
	return &Processor{opts: opts}
}

// args is a parsed console line: bare words in order plus KEY=value pairs.
// Keys are upper-cased; values keep the operator's spelling.
type args struct {
	words []string
	kv    map[string]string
}

func parseArgs(fields []string) args {
	a := args{kv: make(map[string]string)}
	for _, f := range fields {
		if i := strings.IndexByte(f, '='); i > 0 {
			a.kv[strings.ToUpper(f[:i])] = f[i+1:]
			continue
		}
		a.words = append(a.words, f)
	}
	return a
}

// take removes and returns key from the pairs.
func (a args) take(key string) string {
	v := a.kv[key]
	delete(a.kv, key)
	return v
}

// ProcessCommand parses a single console command and returns the response
// text. A response of "BYE" signals the caller to end the console.
func (p *Processor) ProcessCommand(ctx context.Context, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	fields := strings.Fields(line)
	command := strings.ToUpper(fields[0])
	a := parseArgs(fields[1:])

	switch command {
	case "HELP", "H":
		return p.handleHelp()
	case "LIST", "LS":
		return p.handleList(a)
	case "CATEGORIES":
		return p.handleCategories(a)
	case "BUILD", "PREVIEW":
		return p.handleBuild(a)
	case "SEND":
		return p.handleSend(a)
	case "RAW":
		return p.handleRaw(strings.TrimSpace(line[len(fields[0]):]))
	case "JOB":
		return p.handleJob(a)
	case "JOBS":
		return p.handleJobs()
	case "WAIT":
		return p.handleWait(ctx, a)
	case "CANCEL":
		return p.handleCancel(a)
	case "DELETE", "DEL":
		return p.handleDelete(a)
	case "PLAYBOOKS", "FLOWS":
		return p.handlePlaybooks()
	case "RUN":
		return p.handleRun(ctx, a)
	case "PROVISION":
		return p.handleProvision(a)
	case "HISTORY", "SH/LOG":
		return p.handleHistory(a)
	case "RELOAD":
		return p.handleReload()
	case "STATUS":
		return p.handleStatus()
	case "BYE", "QUIT", "EXIT":
		return "BYE"
	default:
		return fmt.Sprintf("Unknown command: %s\nType HELP for available commands.\n", command)
	}
}

func (p *Processor) handleHelp() string {
	return `Available commands:
HELP                               - Show this help
LIST [category] [PLATFORM=x]       - List catalog commands
CATEGORIES [PLATFORM=x]            - List catalog categories
BUILD <id> [TID= AID= CTAG= P=v]   - Render a command without sending it
SEND <id> [HOST= PORT= TID= AID= P=v] - Queue a catalog command as a job
RAW <wire>                         - Queue a literal TL1 command (CTAG is replaced)
JOB <id>                           - Show one job and its output
JOBS                               - List jobs
WAIT <id>                          - Block until a job finishes
CANCEL <id>                        - Stop a running job
DELETE <id>                        - Cancel and forget a job
PLAYBOOKS                          - List troubleshooting and provisioning playbooks
RUN <playbook> [HOST= PORT= VAR=v] - Run a playbook against the device
PROVISION <playbook> [VAR=v]       - Preview the provisioning command of a playbook
HISTORY [count]                    - Show the last N audited exchanges (default: 10)
RELOAD                             - Re-read the command catalog
STATUS                             - Show device sessions
BYE                                - Leave the console
`
}

func (p *Processor) handleList(a args) string {
	if p.opts.Catalog == nil {
		return "No command catalog loaded.\n"
	}
	category := ""
	if len(a.words) > 0 {
		category = strings.Join(a.words, " ")
	}
	specs := p.opts.Catalog.Commands(a.kv["PLATFORM"])
	var b strings.Builder
	n := 0
	for _, spec := range specs {
		if category != "" && !strings.EqualFold(spec.Category, category) {
			continue
		}
		n++
		fmt.Fprintf(&b, "%-24s %-40s %s%s\n", spec.ID, spec.Name, spec.Safety, affecting(spec))
	}
	if n == 0 {
		return "No commands found.\n"
	}
	fmt.Fprintf(&b, "%s commands\n", humanize.Comma(int64(n)))
	return b.String()
}

func affecting(spec tl1.CommandSpec) string {
	if spec.ServiceAffecting {
		return " (service affecting)"
	}
	return ""
}

func (p *Processor) handleCategories(a args) string {
	if p.opts.Catalog == nil {
		return "No command catalog loaded.\n"
	}
	cats := p.opts.Catalog.Categories(a.kv["PLATFORM"])
	if len(cats) == 0 {
		return "No categories found.\n"
	}
	var b strings.Builder
	for _, c := range cats {
		fmt.Fprintf(&b, "%-20s %4d  %s\n", c.Name, c.Count, c.Description)
	}
	return b.String()
}

func (p *Processor) handleBuild(a args) string {
	if p.opts.Builder == nil {
		return "No command builder configured.\n"
	}
	if len(a.words) == 0 {
		return "Usage: BUILD <id> [TID=x] [AID=x] [CTAG=x] [PARAM=value...]\n"
	}
	id := strings.ToUpper(a.words[0])
	tid := p.tid(a.take("TID"))
	aid := a.take("AID")
	ctag := a.take("CTAG")
	if ctag == "" {
		ctag = p.nextCTAG(p.device(a))
	}
	delete(a.kv, "HOST")
	delete(a.kv, "PORT")
	cmd, warnings, err := p.opts.Builder.Build(id, tid, aid, ctag, a.kv)
	if err != nil {
		return formatError(err)
	}
	var b strings.Builder
	b.WriteString(cmd.Wire())
	b.WriteString("\n")
	spec := cmd.Spec()
	if spec.ServiceAffecting || spec.Safety != tl1.SafetySafe {
		fmt.Fprintf(&b, "Safety: %s%s\n", spec.Safety, affecting(spec))
	}
	for _, w := range warnings {
		fmt.Fprintf(&b, "[WARN] %s\n", w)
	}
	return b.String()
}

func (p *Processor) handleSend(a args) string {
	if p.opts.Registry == nil {
		return "Job registry unavailable.\n"
	}
	if len(a.words) == 0 {
		return "Usage: SEND <id> [HOST=x] [PORT=n] [TID=x] [AID=x] [PARAM=value...]\n"
	}
	device := p.device(a)
	if device.Port <= 0 {
		return "Invalid PORT.\n"
	}
	req := jobs.Request{
		Host:      device.Host,
		Port:      device.Port,
		CommandID: strings.ToUpper(a.words[0]),
		TID:       p.tid(a.take("TID")),
		AID:       a.take("AID"),
	}
	a.take("CTAG")
	req.Params = a.kv
	id, err := p.opts.Registry.Submit(req)
	if err != nil {
		return formatError(err)
	}
	return fmt.Sprintf("Job %s queued for %s\n", id, device.Addr())
}

func (p *Processor) handleRaw(wire string) string {
	if p.opts.Registry == nil {
		return "Job registry unavailable.\n"
	}
	if wire == "" {
		return "Usage: RAW <VERB-OBJECT:TID:AID:CTAG::PARAMS;>\n"
	}
	id, err := p.opts.Registry.Submit(jobs.Request{
		Host: p.opts.Device.Host,
		Port: p.opts.Device.Port,
		Raw:  wire,
	})
	if err != nil {
		return formatError(err)
	}
	return fmt.Sprintf("Job %s queued for %s\n", id, p.opts.Device.Addr())
}

func (p *Processor) handleJob(a args) string {
	if p.opts.Registry == nil {
		return "Job registry unavailable.\n"
	}
	if len(a.words) == 0 {
		return "Usage: JOB <id>\n"
	}
	job, err := p.opts.Registry.Status(a.words[0])
	if err != nil {
		return formatError(err)
	}
	return formatJob(job)
}

func (p *Processor) handleJobs() string {
	if p.opts.Registry == nil {
		return "Job registry unavailable.\n"
	}
	list := p.opts.Registry.List()
	if len(list) == 0 {
		return "No jobs.\n"
	}
	var b strings.Builder
	for _, j := range list {
		label := j.CommandID
		if label == "" {
			label = j.Command
		}
		fmt.Fprintf(&b, "%-36s %-10s %-22s %-24s %s\n", j.ID, j.Status, j.Device, label, humanize.Time(j.CreatedAt))
	}
	return b.String()
}

func (p *Processor) handleWait(ctx context.Context, a args) string {
	if p.opts.Registry == nil {
		return "Job registry unavailable.\n"
	}
	if len(a.words) == 0 {
		return "Usage: WAIT <id>\n"
	}
	job, err := p.opts.Registry.Wait(ctx, a.words[0])
	if err != nil {
		return formatError(err)
	}
	return formatJob(job)
}

func (p *Processor) handleCancel(a args) string {
	if p.opts.Registry == nil {
		return "Job registry unavailable.\n"
	}
	if len(a.words) == 0 {
		return "Usage: CANCEL <id>\n"
	}
	if err := p.opts.Registry.Cancel(a.words[0]); err != nil {
		return formatError(err)
	}
	return fmt.Sprintf("Job %s cancelled\n", a.words[0])
}

func (p *Processor) handleDelete(a args) string {
	if p.opts.Registry == nil {
		return "Job registry unavailable.\n"
	}
	if len(a.words) == 0 {
		return "Usage: DELETE <id>\n"
	}
	if err := p.opts.Registry.Discard(a.words[0]); err != nil {
		return formatError(err)
	}
	return fmt.Sprintf("Job %s deleted\n", a.words[0])
}

func (p *Processor) handlePlaybooks() string {
	if p.opts.Engine == nil {
		return "No playbooks loaded.\n"
	}
	list := p.opts.Engine.Library().List()
	if len(list) == 0 {
		return "No playbooks loaded.\n"
	}
	var b strings.Builder
	section := ""
	for _, pb := range list {
		if pb.Section != section && pb.Section != "" {
			section = pb.Section
			fmt.Fprintf(&b, "%s%s:\n", strings.ToUpper(section[:1]), section[1:])
		}
		fmt.Fprintf(&b, "  %-16s %-32s %d steps\n", pb.ID, pb.Name, len(pb.Steps))
	}
	return b.String()
}

// Purpose: Run a playbook and return its transcript.
// Key aspects: Blocks until the run completes or ctx ends; every event is
// also handed to OnEvent so it can be published while the run progresses.
// Upstream: ProcessCommand RUN.
// Downstream: playbook.Engine.Start, session.Pool.Get.
func (p *Processor) handleRun(ctx context.Context, a args) string {
	if p.opts.Engine == nil || p.opts.Pool == nil {
		return "Playbook engine unavailable.\n"
	}
	if len(a.words) == 0 {
		return "Usage: RUN <playbook> [HOST=x] [PORT=n] [VAR=value...]\n"
	}
	device := p.device(a)
	if device.Port <= 0 {
		return "Invalid PORT.\n"
	}
	vars := a.kv
	vars["TID"] = p.tid(vars["TID"])
	name := strings.Join(a.words, " ")
	events, err := p.opts.Engine.Start(ctx, name, p.opts.Pool.Get(device), vars)
	if err != nil {
		return formatError(err)
	}
	run := uuid.NewString()
	var b strings.Builder
	for ev := range events {
		if p.opts.OnEvent != nil {
			p.opts.OnEvent(run, ev)
		}
		b.WriteString(formatEvent(ev))
	}
	return b.String()
}

func (p *Processor) handleProvision(a args) string {
	if p.opts.Engine == nil {
		return "Playbook engine unavailable.\n"
	}
	if len(a.words) == 0 {
		return "Usage: PROVISION <playbook> [TID=x] [AID=x] [PARAM=value...]\n"
	}
	device := p.device(a)
	ctag := a.take("CTAG")
	if ctag == "" {
		ctag = p.nextCTAG(device)
	}
	state := a.kv
	state["TID"] = p.tid(state["TID"])
	cmd, warnings, err := p.opts.Engine.Preview(strings.Join(a.words, " "), state, ctag)
	if err != nil {
		return formatError(err)
	}
	var b strings.Builder
	b.WriteString(cmd.Wire())
	b.WriteString("\n")
	for _, w := range warnings {
		fmt.Fprintf(&b, "[WARN] %s\n", w)
	}
	return b.String()
}

// handleHistory prints audited exchanges oldest first.
func (p *Processor) handleHistory(a args) string {
	if p.opts.History == nil {
		return "Audit history unavailable.\n"
	}
	count := defaultHistory
	if len(a.words) > 0 {
		n, err := strconv.Atoi(a.words[0])
		if err != nil || n < 1 || n > maxHistory {
			return fmt.Sprintf("Invalid count. Use 1-%d.\n", maxHistory)
		}
		count = n
	}
	events, err := p.opts.History.Recent(count)
	if err != nil {
		log.Printf("Commands: audit history read failed: %v", err)
		return "Audit history unavailable.\n"
	}
	if len(events) == 0 {
		return "No audited commands.\n"
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "%s %s:%d ctag=%s %s %s (%dms)\n",
			ev.Time.Local().Format("2006-01-02 15:04:05"), ev.Host, ev.Port, ev.CTAG, ev.Kind, ev.Command, ev.ElapsedMS)
		if ev.Err != "" {
			fmt.Fprintf(&b, "    error: %s\n", ev.Err)
		}
	}
	return b.String()
}

func (p *Processor) handleReload() string {
	if p.opts.Catalog == nil {
		return "No command catalog loaded.\n"
	}
	changed, err := p.opts.Catalog.Reload()
	if err != nil {
		return formatError(err)
	}
	if !changed {
		return fmt.Sprintf("Catalog unchanged (%d commands).\n", p.opts.Catalog.Len())
	}
	return fmt.Sprintf("Catalog reloaded (%d commands).\n", p.opts.Catalog.Len())
}

func (p *Processor) handleStatus() string {
	if p.opts.Pool == nil {
		return "No sessions.\n"
	}
	sessions := p.opts.Pool.Sessions()
	if len(sessions) == 0 {
		return fmt.Sprintf("No sessions. Default device %s.\n", p.opts.Device.Addr())
	}
	var b strings.Builder
	for _, s := range sessions {
		state := "idle"
		if s.Connected() {
			state = "connected"
		}
		fmt.Fprintf(&b, "%-22s %-10s next ctag %s", s.Device().Addr(), state, s.NextCTAG())
		if lat := s.Latency(); lat.N > 0 {
			fmt.Fprintf(&b, "  p50 %s p99 %s", lat.P50.Round(time.Millisecond), lat.P99.Round(time.Millisecond))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// device resolves HOST and PORT overrides against the default device. A PORT
// that does not parse yields port 0.
func (p *Processor) device(a args) session.Device {
	d := p.opts.Device
	if host := a.take("HOST"); host != "" {
		d.Host = host
	}
	if port := a.take("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			n = 0
		}
		d.Port = n
	}
	return d
}

func (p *Processor) tid(v string) string {
	if v != "" {
		return v
	}
	return p.opts.TID
}

func (p *Processor) nextCTAG(device session.Device) string {
	if p.opts.Pool == nil || device.Port <= 0 {
		return tl1.DefaultCTAG
	}
	return p.opts.Pool.Get(device).NextCTAG()
}

func formatJob(j jobs.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s: %s on %s", j.ID, j.Status, j.Device)
	if j.CTAG != "" {
		fmt.Fprintf(&b, " ctag=%s", j.CTAG)
	}
	if j.Kind != "" {
		fmt.Fprintf(&b, " (%s)", j.Kind)
	}
	fmt.Fprintf(&b, ", created %s\n", humanize.Time(j.CreatedAt))
	for _, line := range j.Output {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if j.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", j.Error)
	}
	return b.String()
}

func formatEvent(ev playbook.Event) string {
	switch ev.Type {
	case playbook.EventStart:
		return fmt.Sprintf("[INFO] Starting %s (%d steps)\n", ev.Playbook, ev.Total)
	case playbook.EventStep:
		var b strings.Builder
		label := ev.StepName
		if label == "" {
			label = ev.StepID
		}
		fmt.Fprintf(&b, "[STEP %d/%d] %s\n[SEND] %s\n", ev.Index, ev.Total, label, ev.Command)
		for _, w := range ev.Warnings {
			fmt.Fprintf(&b, "[WARN] %s\n", w)
		}
		return b.String()
	case playbook.EventResponse:
		var b strings.Builder
		for _, line := range ev.Lines {
			fmt.Fprintf(&b, "[RECV] %s\n", line)
		}
		return b.String()
	case playbook.EventSuccess:
		return fmt.Sprintf("[OK] %s\n", ev.Message)
	case playbook.EventWarning:
		return fmt.Sprintf("[WARN] %s\n", ev.Message)
	case playbook.EventError:
		return fmt.Sprintf("[ERROR] %s\n", ev.Message)
	case playbook.EventComplete:
		return fmt.Sprintf("[INFO] %s\n", ev.Message)
	}
	return ""
}

// formatError renders typed errors with a hint where one helps.
func formatError(err error) string {
	var specErr *tl1.SpecError
	if errors.As(err, &specErr) && specErr.Kind == tl1.SpecNotFound && len(specErr.Suggestions) == 0 {
		return fmt.Sprintf("Error: %v\nType LIST for available commands.\n", err)
	}
	if errors.Is(err, jobs.ErrNotFound) {
		return fmt.Sprintf("Error: %v\nType JOBS for known jobs.\n", err)
	}
	return fmt.Sprintf("Error: %v\n", err)
}
