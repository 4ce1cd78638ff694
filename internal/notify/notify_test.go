package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMultiFansOut(t *testing.T) {
	first := NewRecorder()
	second := NewRecorder()
	multi := Multi{first, second, Noop{}}

	ev := Event{Type: EventPaymentExpired, At: time.Now().UTC(), PaymentID: "pay-1"}
	multi.Publish(ev)

	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1)
	assert.Equal(t, "pay-1", first.Events()[0].PaymentID)
}

func TestRecorderFiltersByType(t *testing.T) {
	rec := NewRecorder()
	rec.Publish(Event{Type: EventSyncStarted})
	rec.Publish(Event{Type: EventPaymentExpired, PaymentID: "pay-1"})
	rec.Publish(Event{Type: EventSyncCompleted, Committed: 3})

	assert.Len(t, rec.Events(), 3)
	assert.Len(t, rec.ByType(EventPaymentExpired), 1)
	assert.Empty(t, rec.ByType(EventSyncActionAbandoned))
}
