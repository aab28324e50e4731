package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "behaviorflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
pubsub_system: kafka
kafka_brokers:
  - localhost:9092
kafka_consumer_group: orders
consume_queues:
  - orders.in
workers: 3
incoming_behaviors:
  - behaviorflow.deserialize
  - behaviorflow.invoke_handlers
metrics_enabled: true
metrics_port: 9090
poison_queue: orders.poison
handler_timeout: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.PubSubSystem)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "orders", cfg.KafkaConsumerGroup)
	assert.Equal(t, []string{"orders.in"}, cfg.ConsumeQueues)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, []string{"behaviorflow.deserialize", "behaviorflow.invoke_handlers"}, cfg.IncomingBehaviors)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "orders.poison", cfg.PoisonQueue)
	assert.Equal(t, 30*time.Second, cfg.HandlerTimeout)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "pubsub_system: channel\nworkers: 1\n")
	t.Setenv("BEHAVIORFLOW_PUBSUB_SYSTEM", "nats")
	t.Setenv("BEHAVIORFLOW_NATS_URL", "nats://localhost:4222")
	t.Setenv("BEHAVIORFLOW_WORKERS", "8")
	t.Setenv("BEHAVIORFLOW_CONSUME_QUEUES", "a, b,,c")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.PubSubSystem)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.ConsumeQueues)
}

func TestLoadMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("BEHAVIORFLOW_DIAGNOSTICS_ENABLED", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.DiagnosticsEnabled)
}

func TestLoadValidates(t *testing.T) {
	path := writeConfigFile(t, "pubsub_system: kafka\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: brokers are required")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "pubsub_system: [unterminated\n")

	_, err := Load(path)
	assert.Error(t, err)
}
