package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/kilianp07/qgdispatch/infra/amqp"
	"github.com/kilianp07/qgdispatch/infra/logger"
	"github.com/kilianp07/qgdispatch/infra/mqtt"
	"github.com/kilianp07/qgdispatch/internal/simulator"
)

var (
	simDelay     time.Duration
	simDropRate  float64
	simVehicles  []string
	simTransport string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Answer assignment commands as simulated vehicles",
	RunE:  simulate,
}

func init() {
	simulateCmd.Flags().DurationVar(&simDelay, "ack-delay", 500*time.Millisecond, "delay before a vehicle reports itself engaged")
	simulateCmd.Flags().Float64Var(&simDropRate, "drop-rate", 0, "probability that a vehicle never answers")
	simulateCmd.Flags().StringSliceVar(&simVehicles, "vehicles", nil, "immatriculations to simulate (all when empty)")
	simulateCmd.Flags().StringVar(&simTransport, "transport", "broker", "status report transport: broker or mqtt")
	rootCmd.AddCommand(simulateCmd)
}

func simulate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New("simulator")
	client := amqp.NewClient(cfg.Broker, log)
	defer func() { _ = client.Close() }()

	var reporter simulator.Reporter = simulator.BrokerReporter{Client: client}
	switch simTransport {
	case "broker":
	case "mqtt":
		opts, err := mqtt.NewClientOptions(cfg.MQTT)
		if err != nil {
			return err
		}
		opts.SetClientID(cfg.MQTT.ClientID + "-simulator")
		cli := paho.NewClient(opts)
		if token := cli.Connect(); token.Wait() && token.Error() != nil {
			return fmt.Errorf("mqtt connect: %w", token.Error())
		}
		defer cli.Disconnect(250)
		reporter = simulator.MQTTReporter{Client: cli, Prefix: cfg.MQTT.TopicPrefix, QoS: cfg.MQTT.QoS}
	default:
		return fmt.Errorf("unknown transport %s", simTransport)
	}

	fleet := simulator.NewFleet(
		simulator.NewRandomAck(simDelay, simDropRate, time.Now().UnixNano()),
		reporter,
		simulator.WithLogger(log),
		simulator.WithVehicles(simVehicles...),
		simulator.WithStatusLabel(cfg.Assignment.EngagedStatusLabel),
	)
	return fleet.Run(ctx, client, cfg.Assignment.CommandQueue)
}
