// cmd/flashd/main.go
package main

import (
	"bytes"
	"log"
	"os"
	"time"

	"github.com/tamzrod/dataflash/internal/config"
	"github.com/tamzrod/dataflash/internal/flash"
	"github.com/tamzrod/dataflash/internal/notify"
	"github.com/tamzrod/dataflash/internal/pin"
	"github.com/tamzrod/dataflash/internal/sched"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: flashd <config.yaml>")
	}

	cfgPath := os.Args[1]

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}

	config.Normalize(cfg)

	// --------------------
	// Build driver + providers
	// --------------------

	timers := sched.NewTimers()
	defer timers.Close()

	drv, closeProviders, err := flash.Build(cfg, pin.Logger{}, timers)
	if err != nil {
		log.Fatalf("driver build failed: %v", err)
	}
	defer closeProviders()

	if err := drv.Initialize(); err != nil {
		log.Fatalf("driver init failed: %v", err)
	}

	events := make(chan notify.Event, 4)
	_, err = drv.RegisterEventHandler(func(ev notify.Event) {
		log.Printf("flash event: instance=%d kind=%d size=%d",
			ev.SourceInstance, notify.Kind(ev.Value), notify.Size(ev.Value))
		select {
		case events <- ev:
		default:
		}
	}, notify.FilterIDNone, 0)
	if err != nil {
		log.Fatalf("event handler registration failed: %v", err)
	}

	// Roundtrip demo against the simulated chip, when configured.
	if drv.SimDevice() != nil {
		runDemo(drv, cfg, events)
	}

	// --------------------
	// Block forever (daemon-safe, no deadlock)
	// --------------------
	for {
		time.Sleep(time.Hour)
	}
}

// runDemo writes a payload across a page boundary and reads it back.
func runDemo(drv *flash.Driver, cfg *config.Config, events <-chan notify.Event) {
	client := cfg.Flash.Channels[0].ClientID

	mirror := make([]byte, 1024)
	id, err := drv.GetAllocation(client, mirror, 0)
	if err != nil {
		log.Printf("demo: allocation failed: %v", err)
		return
	}

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(0xa0 + i)
	}

	// Offset 250 splits the write at the page boundary: 6 + 14 bytes.
	const offset = 250

	if err := drv.Write(id, payload, offset); err != nil {
		log.Printf("demo: write submit failed: %v", err)
		return
	}
	if !await(events) {
		log.Printf("demo: write completion timed out")
		return
	}

	back := make([]byte, len(payload))
	if err := drv.Read(id, back, offset); err != nil {
		log.Printf("demo: read submit failed: %v", err)
		return
	}
	if !await(events) {
		log.Printf("demo: read completion timed out")
		return
	}

	switch {
	case !bytes.Equal(back, payload):
		log.Printf("demo: readback mismatch: got=%x want=%x", back, payload)
	case !bytes.Equal(mirror[offset:offset+len(payload)], payload):
		log.Printf("demo: mirror mismatch")
	default:
		log.Printf("demo: %d bytes across a page boundary, readback and mirror verified", len(payload))
	}
}

func await(events <-chan notify.Event) bool {
	select {
	case <-events:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}
