// Command tl1sim runs the TL1 network element simulator on a TCP port so the
// console, playbooks and schedules can be exercised without real equipment.
// It can share the main configuration for its default port and Telnet mode.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tl1assist/config"
	"tl1assist/sim"
)

func main() {
	configPath := flag.String("config", "", "Config file to take the device port and telnet mode from (optional)")
	addr := flag.String("addr", "", "Listen address (default 0.0.0.0:<device.port>)")
	sid := flag.String("sid", "SIM", "Source identifier printed in response headers")
	telnetMode := flag.Bool("telnet", false, "Open each connection with Telnet option negotiation")
	deny := flag.String("deny", "", "Comma-separated command codes answered with DENY")
	silent := flag.String("silent", "", "Comma-separated command codes that never get a response")
	emitEvery := flag.Duration("emit", 0, "Interval for autonomous alarm reports (0 disables)")
	flag.Parse()

	port := 3083
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
		port = cfg.Device.Port
		if cfg.Device.Telnet {
			*telnetMode = true
		}
	}
	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf("0.0.0.0:%d", port)
	}

	s, err := sim.Start(sim.Options{
		Addr:   listen,
		SID:    *sid,
		Telnet: *telnetMode,
		Alarms: sim.DefaultAlarms(),
	})
	if err != nil {
		log.Fatalf("Error starting simulator: %v", err)
	}
	for _, code := range splitCodes(*deny) {
		s.Handle(code, func(req sim.Request) []string {
			return s.Response(req.CTAG, "DENY", "IIAC")
		})
	}
	for _, code := range splitCodes(*silent) {
		s.Handle(code, func(sim.Request) []string { return nil })
	}

	host, p := s.Addr()
	log.Printf("TL1 simulator listening on %s:%d (telnet=%v)", host, p, *telnetMode)

	stop := make(chan struct{})
	if *emitEvery > 0 {
		go emitAlarms(s, *emitEvery, stop)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	close(stop)
	if err := s.Close(); err != nil {
		log.Printf("Simulator close: %v", err)
	}
}

func splitCodes(list string) []string {
	var out []string
	for _, code := range strings.Split(list, ",") {
		if code = strings.ToUpper(strings.TrimSpace(code)); code != "" {
			out = append(out, code)
		}
	}
	return out
}

// emitAlarms pushes a numbered REPT ALM report on every tick.
func emitAlarms(s *sim.Simulator, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	atag := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			atag++
			s.Emit(fmt.Sprintf("%d", atag), "REPT ALM OC12", `"OC12-1:MJ,LOS,SA"`)
		}
	}
}
