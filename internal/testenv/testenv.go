// Package testenv starts the disposable dependencies used by integration
// tests: Postgres, RabbitMQ, Redis and Mosquitto. Each Start function returns
// the address to dial and a cleanup func. Callers skip when Docker is
// unavailable.
package testenv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Timeouts of the helpers.
const (
	MetricTimeout = 5 * time.Second

	mosquittoReadyTimeout = 10 * time.Second
	pollInterval          = 50 * time.Millisecond
)

type service struct {
	image string
	port  string
	env   map[string]string
	files []tc.ContainerFile
	wait  wait.Strategy
	// url renders the dial address from the mapped host and port.
	url func(host, port string) string
}

var (
	postgres = service{
		image: "postgres:16-alpine",
		port:  "5432/tcp",
		env:   map[string]string{"POSTGRES_USER": "qg", "POSTGRES_PASSWORD": "qg", "POSTGRES_DB": "qg"},
		wait: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
		url: func(h, p string) string { return fmt.Sprintf("postgres://qg:qg@%s:%s/qg?sslmode=disable", h, p) },
	}
	rabbitmq = service{
		image: "rabbitmq:3.13-alpine",
		port:  "5672/tcp",
		wait:  wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		url:   func(h, p string) string { return fmt.Sprintf("amqp://guest:guest@%s:%s/", h, p) },
	}
	redis = service{
		image: "redis:7-alpine",
		port:  "6379/tcp",
		wait:  wait.ForLog("Ready to accept connections"),
		url:   func(h, p string) string { return h + ":" + p },
	}
	mosquitto = service{
		image: "eclipse-mosquitto:2.0",
		port:  "1883/tcp",
		files: []tc.ContainerFile{{
			Reader:            strings.NewReader("listener 1883\nallow_anonymous true\npersistence false\nlog_dest stdout\n"),
			ContainerFilePath: "/mosquitto/config/mosquitto.conf",
			FileMode:          0o644,
		}},
		wait: wait.ForListeningPort("1883/tcp"),
		url:  func(h, p string) string { return fmt.Sprintf("tcp://%s:%s", h, p) },
	}
)

func (s service) start(ctx context.Context) (string, func(), error) {
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        s.image,
			ExposedPorts: []string{s.port},
			Env:          s.env,
			Files:        s.files,
			WaitingFor:   s.wait,
		},
		Started: true,
	})
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = cont.Terminate(context.Background()) }
	host, err := cont.Host(ctx)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	mapped, err := cont.MappedPort(ctx, nat.Port(s.port))
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return s.url(host, mapped.Port()), cleanup, nil
}

// StartPostgres returns a DSN for an empty database.
func StartPostgres(ctx context.Context) (string, func(), error) { return postgres.start(ctx) }

// StartRabbitMQ returns an AMQP URL with the guest account.
func StartRabbitMQ(ctx context.Context) (string, func(), error) { return rabbitmq.start(ctx) }

// StartRedis returns a host:port address.
func StartRedis(ctx context.Context) (string, func(), error) { return redis.start(ctx) }

// StartMosquitto returns a tcp:// broker URL once the broker accepts MQTT
// connections, not merely TCP ones.
func StartMosquitto(ctx context.Context) (string, func(), error) {
	url, cleanup, err := mosquitto.start(ctx)
	if err != nil {
		return "", nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, mosquittoReadyTimeout)
	defer cancel()
	if err := waitForMQTT(waitCtx, url); err != nil {
		cleanup()
		return "", nil, err
	}
	return url, cleanup, nil
}

func waitForMQTT(ctx context.Context, url string) error {
	opts := paho.NewClientOptions().AddBroker(url).SetClientID("testenv-probe")
	return poll(ctx, func() bool {
		cli := paho.NewClient(opts)
		token := cli.Connect()
		if token.Wait() && token.Error() != nil {
			return false
		}
		cli.Disconnect(100)
		return true
	})
}

// WaitForMetric polls a Prometheus endpoint until its body contains substr.
func WaitForMetric(ctx context.Context, metricsURL, substr string) error {
	var last string
	err := poll(ctx, func() bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		last = string(body)
		return strings.Contains(last, substr)
	})
	if err != nil {
		return fmt.Errorf("metric %q not found (%d bytes scraped): %w", substr, len(last), err)
	}
	return nil
}

func poll(ctx context.Context, ok func() bool) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		if ok() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
