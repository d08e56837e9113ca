package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	t.Run("delivers_to_class_subscribers", func(t *testing.T) {
		bus := NewBus(nil)
		sub := bus.Subscribe(ClassRecordings, 4)
		defer sub.Close()

		published := bus.Publish(ClassRecordings, "recording_started", map[string]string{"job_id": "rec-1"})
		assert.NotEmpty(t, published.ID)

		got := <-sub.C
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, ClassRecordings, got.Class)
		assert.Equal(t, "recording_started", got.Type)
	})

	t.Run("class_isolation", func(t *testing.T) {
		bus := NewBus(nil)
		metrics := bus.Subscribe(ClassMetrics, 4)
		defer metrics.Close()

		bus.Publish(ClassScaling, "scale_up_recommended", nil)
		assert.Empty(t, metrics.C)
	})

	t.Run("fan_out_to_all_subscribers", func(t *testing.T) {
		bus := NewBus(nil)
		a := bus.Subscribe(ClassMetrics, 4)
		defer a.Close()
		b := bus.Subscribe(ClassMetrics, 4)
		defer b.Close()

		bus.Publish(ClassMetrics, "snapshot", nil)
		assert.Len(t, a.C, 1)
		assert.Len(t, b.C, 1)
	})

	t.Run("events_carry_distinct_ids", func(t *testing.T) {
		bus := NewBus(nil)
		first := bus.Publish(ClassMetrics, "snapshot", nil)
		second := bus.Publish(ClassMetrics, "snapshot", nil)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestSlowSubscriber(t *testing.T) {
	t.Run("full_buffer_drops_without_blocking", func(t *testing.T) {
		bus := NewBus(nil)
		sub := bus.Subscribe(ClassMetrics, 1)
		defer sub.Close()

		bus.Publish(ClassMetrics, "snapshot", 1)
		bus.Publish(ClassMetrics, "snapshot", 2)
		bus.Publish(ClassMetrics, "snapshot", 3)

		// Only the first fit the buffer; nothing blocked.
		require.Len(t, sub.C, 1)
		got := <-sub.C
		assert.Equal(t, 1, got.Payload)
	})
}

func TestClose(t *testing.T) {
	t.Run("close_removes_subscriber", func(t *testing.T) {
		bus := NewBus(nil)
		sub := bus.Subscribe(ClassScaling, 4)
		require.Equal(t, 1, bus.SubscriberCount(ClassScaling))

		sub.Close()
		assert.Equal(t, 0, bus.SubscriberCount(ClassScaling))

		// Channel is closed for the consumer.
		_, open := <-sub.C
		assert.False(t, open)
	})

	t.Run("double_close_is_safe", func(t *testing.T) {
		bus := NewBus(nil)
		sub := bus.Subscribe(ClassScaling, 4)
		sub.Close()
		sub.Close()
		assert.Equal(t, 0, bus.SubscriberCount(ClassScaling))
	})

	t.Run("publish_after_close_does_not_panic", func(t *testing.T) {
		bus := NewBus(nil)
		sub := bus.Subscribe(ClassScaling, 4)
		sub.Close()
		assert.NotPanics(t, func() {
			bus.Publish(ClassScaling, "scale_up_recommended", nil)
		})
	})
}
