package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/events"
	"github.com/kilianp07/qgdispatch/infra/amqp"
	"github.com/kilianp07/qgdispatch/infra/logger"
)

var notifyIncidentID string

var notifyCmd = &cobra.Command{
	Use:   "notify-incident",
	Short: "Ask the planning engine for a proposal on an incident",
	RunE:  notifyIncident,
}

func init() {
	notifyCmd.Flags().StringVar(&notifyIncidentID, "incident", "", "incident id (random when empty)")
	rootCmd.AddCommand(notifyCmd)
}

func notifyIncident(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id := uuid.New()
	if notifyIncidentID != "" {
		if id, err = uuid.Parse(notifyIncidentID); err != nil {
			return fmt.Errorf("incident id: %w", err)
		}
	}
	log := logger.New("notify-incident")
	client := amqp.NewClient(cfg.Broker, log)
	defer func() {
		if err := client.Close(); err != nil {
			log.Errorf("broker close: %v", err)
		}
	}()
	body, err := broker.Encode(events.KindNewIncident, map[string]any{"incident_id": id})
	if err != nil {
		return err
	}
	if err := client.Enqueue(ctx, broker.QueueEngine, body, 5*time.Second); err != nil {
		return err
	}
	log.Infof("incident %s enqueued on %s", id, broker.QueueEngine)
	return nil
}
