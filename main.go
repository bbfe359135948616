// Program tl1assist wires the TL1 command catalog, device sessions, the job
// registry, playbooks and their schedules, audit recording and MQTT
// notifications behind an interactive operator console.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tl1assist/audit"
	"tl1assist/catalog"
	"tl1assist/commands"
	"tl1assist/config"
	"tl1assist/jobs"
	"tl1assist/notify"
	"tl1assist/playbook"
	"tl1assist/session"
	"tl1assist/tl1"
	"tl1assist/transport"

	"github.com/dustin/go-humanize"
)

// Version will be set at build time
var Version = "dev"

// Purpose: Load configuration from TL1_CONFIG_PATH or the default location.
// Key aspects: A missing file at the default path yields built-in defaults;
// a missing file named explicitly is an error.
// Upstream: main startup.
// Downstream: config.Load, config.Default.
func loadConfig() (*config.Config, string, error) {
	path := config.Path()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if errors.Is(err, os.ErrNotExist) && strings.TrimSpace(os.Getenv("TL1_CONFIG_PATH")) == "" {
		return config.Default(), "built-in defaults", nil
	}
	return nil, "", err
}

// sessionOptions maps config onto per-session transport and timing settings.
func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		Transport: transport.Options{
			Telnet:         cfg.Device.Telnet,
			Backend:        cfg.Device.Transport,
			ConnectTimeout: cfg.Timeouts.Connect(),
			WriteTimeout:   cfg.Timeouts.Write(),
			MaxLine:        cfg.Device.MaxLineBytes,
		},
		ReadTimeout:    cfg.Timeouts.Read(),
		CommandTimeout: cfg.Timeouts.Command(),
		StartCTAG:      cfg.Device.StartCTAG,
	}
}

// stepDelay converts the configured pause. Config defaults have already
// replaced an unset value, so zero here means "no pause".
func stepDelay(cfg *config.Config) time.Duration {
	if d := cfg.Timeouts.StepDelay(); d > 0 {
		return d
	}
	return -1
}

// schedules resolves configured cron runs against the default device.
func schedules(cfg *config.Config) []playbook.Schedule {
	out := make([]playbook.Schedule, 0, len(cfg.Playbooks.Schedules))
	for _, sc := range cfg.Playbooks.Schedules {
		device := session.Device{Host: sc.Host, Port: sc.Port}
		if strings.TrimSpace(device.Host) == "" {
			device.Host = cfg.Device.Host
		}
		if device.Port == 0 {
			device.Port = cfg.Device.Port
		}
		vars := make(map[string]string, len(sc.Vars)+1)
		for k, v := range sc.Vars {
			vars[strings.ToUpper(k)] = v
		}
		if _, ok := vars["TID"]; !ok && cfg.Device.TID != "" {
			vars["TID"] = cfg.Device.TID
		}
		out = append(out, playbook.Schedule{
			Name:     sc.Name,
			Cron:     sc.Cron,
			Playbook: sc.Playbook,
			Device:   device,
			Vars:     vars,
		})
	}
	return out
}

// loadPlaybooks tolerates a missing library so the console still works for
// single commands.
func loadPlaybooks(path string) (*playbook.Library, error) {
	lib, err := playbook.LoadFile(path)
	if err == nil {
		return lib, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Playbooks: %s not found; no playbooks loaded", path)
		return playbook.NewLibrary()
	}
	return nil, err
}

// Purpose: Program entry point.
// Key aspects: Builds every service from config, runs the console until the
// operator leaves or a signal arrives, then shuts down in reverse order.
// Upstream: OS.
// Downstream: setupLogging, catalog.Load, audit.Open, session.NewPool,
// jobs.New, notify.Connect, playbook.NewScheduler, console.run.
func main() {
	cfg, source, err := loadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logs, err := setupLogging(cfg.Logging, os.Stdout)
	if err != nil {
		log.Printf("Warning: file logging disabled: %v", err)
	}
	log.SetFlags(0)
	log.SetOutput(logs)
	defer logs.Close()

	log.Printf("TL1 assistant v%s starting...", Version)
	log.Printf("Loaded configuration from %s", source)
	cfg.Print()

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		log.Fatalf("Error loading command catalog: %v", err)
	}
	builder := tl1.NewBuilder(cat, cfg.Catalog.Strict)

	sink, err := audit.Open(cfg.Audit)
	if err != nil {
		log.Fatalf("Error opening audit log: %v", err)
	}

	var publisher *notify.Publisher
	var observer jobs.Observer
	if cfg.Notify.Enabled {
		publisher, err = notify.Connect(cfg.Notify)
		if err != nil {
			log.Printf("Warning: MQTT notifications disabled: %v", err)
		} else {
			observer = publisher
		}
	}

	pool := session.NewPool(sessionOptions(cfg), sink)
	registry := jobs.New(pool, builder, observer)

	lib, err := loadPlaybooks(cfg.Playbooks.Path)
	if err != nil {
		log.Fatalf("Error loading playbooks: %v", err)
	}
	engine := playbook.NewEngine(lib, builder, stepDelay(cfg))

	scheduler, err := playbook.NewScheduler(engine, pool, schedules(cfg), func(sc playbook.Schedule, ev playbook.Event) {
		switch ev.Type {
		case playbook.EventComplete, playbook.EventError, playbook.EventWarning:
			log.Printf("Scheduler %s: %s", sc.Name, ev.Message)
		}
		if publisher != nil {
			publisher.PlaybookEvent(sc.Name, ev)
		}
	})
	if err != nil {
		log.Fatalf("Error configuring schedules: %v", err)
	}

	defaultDevice := session.Device{Host: cfg.Device.Host, Port: cfg.Device.Port}
	var history audit.Reader
	if r, ok := sink.(audit.Reader); ok {
		history = r
	}
	proc := commands.NewProcessor(commands.Options{
		Catalog:  cat,
		Builder:  builder,
		Registry: registry,
		Engine:   engine,
		Pool:     pool,
		History:  history,
		Device:   defaultDevice,
		TID:      cfg.Device.TID,
		OnEvent: func(run string, ev playbook.Event) {
			if publisher != nil {
				publisher.PlaybookEvent(run, ev)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal: %v", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.Run(ctx)
	}()

	log.Printf("Catalog: %s commands, %s playbooks; default device %s",
		humanize.Comma(int64(cat.Len())), humanize.Comma(int64(len(lib.List()))), defaultDevice.Addr())
	log.Println("Type HELP for available commands.")

	con := &console{
		proc:    proc,
		logs:    logs,
		prompt:  cfg.Console.Prompt,
		history: cfg.Console.HistoryFile,
		color:   isStdoutTTY(),
	}
	if err := con.run(ctx); err != nil {
		log.Printf("Console: %v", err)
	}
	if len(cfg.Playbooks.Schedules) > 0 && !isStdinTTY() && ctx.Err() == nil {
		log.Println("Console input closed; schedules keep running. Press Ctrl+C to stop.")
		<-ctx.Done()
	}

	log.Println("Shutting down gracefully...")
	cancel()
	<-schedDone
	if err := registry.Close(); err != nil {
		log.Printf("Jobs: close: %v", err)
	}
	if err := pool.Close(); err != nil {
		log.Printf("Sessions: close: %v", err)
	}
	if err := sink.Close(); err != nil {
		log.Printf("Audit: close: %v", err)
	}
	if publisher != nil {
		publisher.Stop()
	}
	log.Println("Shutdown complete")
}
