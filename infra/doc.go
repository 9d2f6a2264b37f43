// Package infra groups the adapters behind the core interfaces: the AMQP
// broker client, the Postgres store, the MQTT telemetry ingress, the Redis
// hub bridge and the metrics and error reporting backends. Core packages
// never import infra.
package infra
