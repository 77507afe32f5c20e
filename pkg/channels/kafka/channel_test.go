package kafka_test

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/agentflow/pkg/channels/kafka"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkatc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestParseBrokers(t *testing.T) {
	tests := []struct {
		name string
		list string
		want []string
	}{
		{name: "single", list: "localhost:9092", want: []string{"localhost:9092"}},
		{name: "spaces and blanks", list: " a:9092, ,b:9092 ,", want: []string{"a:9092", "b:9092"}},
		{name: "empty", list: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, kafka.ParseBrokers(tt.list))
		})
	}
}

func TestCreateChannel_RequiresBrokers(t *testing.T) {
	_, _, err := kafka.CreateChannel(watermill.NopLogger{}, kafka.Config{ConsumerGroup: "workers"})

	require.Error(t, err)
}

func startKafka(t *testing.T) []string {
	t.Helper()

	ctx := context.Background()

	container, err := kafkatc.Run(ctx, "confluentinc/confluent-local:7.7.0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	admin, err := sarama.NewClusterAdmin(brokers, sarama.NewConfig())
	require.NoError(t, err)

	defer func() { _ = admin.Close() }()

	err = admin.CreateTopic(events.Topic, &sarama.TopicDetail{NumPartitions: 3, ReplicationFactor: 1}, false)
	require.NoError(t, err)

	return brokers
}

func TestCreateChannel_DeliversRunEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka integration test in short mode")
	}

	brokers := startKafka(t)

	pub, sub, err := kafka.CreateChannel(watermill.NopLogger{}, kafka.Config{
		Brokers:       brokers,
		ConsumerGroup: "agentflow-test",
	})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, log.Discard())

	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	received := make(chan *events.RunCompleted, 1)

	require.NoError(t, bus.Handle(events.RunCompletedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.RunCompleted)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	sent := events.RunCompleted{
		BaseEvent: events.NewBaseEvent(events.RunCompletedEvent, "run-42"),
		DAGID:     "review",
		Status:    models.RunPartial,
	}

	require.NoError(t, bus.Publish(ctx, "run-42", sent))

	select {
	case got := <-received:
		assert.Equal(t, "run-42", got.RunID)
		assert.Equal(t, models.RunPartial, got.Status)
	case <-ctx.Done():
		t.Fatal("event was not delivered")
	}
}
