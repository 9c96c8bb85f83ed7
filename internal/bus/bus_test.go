package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timwie/steward/internal/domain"
)

func TestPublishSubscribe(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	received := make(chan domain.Event, 8)
	unsubscribe, err := b.Subscribe(func(ev domain.Event) {
		received <- ev
	})
	require.NoError(t, err)
	defer unsubscribe()

	b.Publish(domain.Event{
		Type:      domain.EventRecordImproved,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"player_login": "abc"},
	})

	select {
	case ev := <-received:
		assert.Equal(t, domain.EventRecordImproved, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	received := make(chan domain.Event, 8)
	unsubscribe, err := b.Subscribe(func(ev domain.Event) {
		received <- ev
	})
	require.NoError(t, err)

	unsubscribe()
	b.Publish(domain.Event{Type: domain.EventMapBegin})

	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
