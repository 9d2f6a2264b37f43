// Package simulator plays the vehicles of the fleet: it consumes assignment
// commands and reports the engaged status back, optionally late or never.
package simulator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/core/logger"
	"github.com/kilianp07/qgdispatch/core/model"
	"github.com/kilianp07/qgdispatch/core/monitoring"
)

// Fleet answers assignment commands on behalf of simulated vehicles.
type Fleet struct {
	strat    AckStrategy
	reporter Reporter
	log      logger.Logger
	label    string
	allowed  map[string]struct{}

	wg       sync.WaitGroup
	mu       sync.Mutex
	commands map[string]int
}

// Option customizes a Fleet.
type Option func(*Fleet)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option { return func(f *Fleet) { f.log = logger.OrNop(l) } }

// WithVehicles restricts the simulation to the given immatriculations.
func WithVehicles(imms ...string) Option {
	return func(f *Fleet) {
		for _, imm := range imms {
			f.allowed[imm] = struct{}{}
		}
	}
}

// WithStatusLabel overrides the reported status label.
func WithStatusLabel(label string) Option {
	return func(f *Fleet) {
		if label != "" {
			f.label = label
		}
	}
}

// NewFleet creates a Fleet.
func NewFleet(strat AckStrategy, reporter Reporter, opts ...Option) *Fleet {
	f := &Fleet{
		strat:    strat,
		reporter: reporter,
		log:      logger.Nop{},
		label:    model.StatusEngaged,
		allowed:  map[string]struct{}{},
		commands: map[string]int{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Run consumes the assignment queue until ctx is done.
func (f *Fleet) Run(ctx context.Context, client broker.Client, queue string) error {
	if queue == "" {
		queue = broker.QueueVehicleAssignments
	}
	if err := client.Consume(ctx, queue, f.Handle, 10); err != nil {
		return err
	}
	f.log.Infof("simulating vehicles on %s", queue)
	<-ctx.Done()
	f.Wait()
	return nil
}

// Handle processes one assignment command. Acknowledgments run in the
// background so a slow vehicle does not hold the queue.
func (f *Fleet) Handle(ctx context.Context, d broker.Delivery) error {
	var env struct {
		Event   events.Kind              `json:"event"`
		Payload events.AssignmentCommand `json:"payload"`
	}
	if err := json.Unmarshal(d.Body, &env); err != nil || env.Event != events.KindVehicleAssignment {
		f.log.Warnw("simulator.command.ignored", map[string]any{"queue": d.Queue})
		return nil
	}
	imm := env.Payload.Immatriculation
	if imm == "" {
		return nil
	}
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[imm]; !ok {
			return nil
		}
	}
	f.mu.Lock()
	f.commands[imm]++
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer monitoring.Recover("simulator")
		if err := f.strat.Ack(context.WithoutCancel(ctx), f.reporter, imm, f.label); err != nil {
			f.log.Warnw("simulator.ack.failed", map[string]any{"immatriculation": imm, "error": err.Error()})
		}
	}()
	return nil
}

// Wait blocks until every pending acknowledgment completed.
func (f *Fleet) Wait() { f.wg.Wait() }

// Commands returns how many commands the vehicle received.
func (f *Fleet) Commands(imm string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[imm]
}
