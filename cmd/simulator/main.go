// Command simulator feeds a running server with events from a few fake
// machines: state changes, production counts and the odd defect.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicktill/tinyoee/pkg/client"
	"github.com/nicktill/tinyoee/pkg/model"
)

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080", "server base URL")
	machines := flag.Int("machines", 3, "number of simulated machines, named sim-1..sim-N")
	tick := flag.Duration("tick", 5*time.Second, "simulation step")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	c, err := client.New(client.Config{Endpoint: *endpoint, FlushEvery: *tick}, log)
	if err != nil {
		log.Error("failed to create client", slog.String("err", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		log.Error("failed to start client", slog.String("err", err.Error()))
		os.Exit(1)
	}

	fleet := make([]*machine, *machines)
	now := time.Now()
	for i := range fleet {
		fleet[i] = &machine{id: fmt.Sprintf("sim-%d", i+1), state: model.StateProducing}
		c.State(fleet[i].id, model.StateProducing, "", now)
	}

	go run(ctx, c, fleet, *tick, log)
	log.Info("simulator started", slog.String("endpoint", *endpoint), slog.Int("machines", *machines))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	if err := c.Stop(); err != nil {
		log.Warn("final flush failed", slog.String("err", err.Error()))
	}
	accepted, rejected := c.Stats()
	log.Info("simulator stopped", slog.Int64("accepted", accepted), slog.Int64("rejected", rejected))
}

func run(ctx context.Context, c *client.Client, fleet []*machine, tick time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, m := range fleet {
				m.step(c, now, tick, log)
			}
		}
	}
}

// Reasons a simulated machine stops for.
var downReasons = []string{"breakdown", "jam", "tool_change", "material_shortage"}

type machine struct {
	id     string
	state  model.State
	until  time.Time
	reason string
}

// step advances one machine: a producing machine reports a count and may
// stop; a stopped machine resumes once its downtime has elapsed.
func (m *machine) step(c *client.Client, now time.Time, tick time.Duration, log *slog.Logger) {
	switch m.state {
	case model.StateProducing:
		total := int64(tick.Seconds()/2) + rand.Int64N(3)
		reject := int64(0)
		if rand.Float64() < 0.2 {
			reject = 1 + rand.Int64N(2)
			c.Quality(m.id, now, reject, "dimensional", model.SeverityMinor)
		}
		c.Production(m.id, now, total, total-reject, reject)

		if rand.Float64() < 0.05 {
			m.state = model.StateDown
			m.reason = downReasons[rand.IntN(len(downReasons))]
			m.until = now.Add(time.Duration(1+rand.IntN(6)) * tick)
			c.State(m.id, m.state, m.reason, now)
			log.Info("machine stopped", slog.String("equipment", m.id), slog.String("reason", m.reason))
		}
	default:
		if !now.Before(m.until) {
			m.state = model.StateProducing
			c.State(m.id, m.state, "", now)
			log.Info("machine resumed", slog.String("equipment", m.id))
		}
	}
}
