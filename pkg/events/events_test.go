package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeSeverityFiltersBelowMinimum(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	all := b.Subscribe()
	warnPlus := b.SubscribeSeverity(SeverityWarn)

	b.Publish(&Event{Kind: EventVMRunning, Severity: SeverityInfo, Message: "info"})
	b.Publish(&Event{Kind: EventVMError, Severity: SeverityError, Message: "error"})

	var allSeen, warnSeen []Severity
	timeout := time.After(time.Second)
	for len(allSeen) < 2 {
		select {
		case ev := <-all:
			allSeen = append(allSeen, ev.Severity)
		case <-timeout:
			t.Fatal("unfiltered subscriber did not receive both events")
		}
	}

	select {
	case ev := <-warnPlus:
		warnSeen = append(warnSeen, ev.Severity)
	case <-time.After(time.Second):
		t.Fatal("severity-filtered subscriber did not receive the error event")
	}

	select {
	case ev := <-warnPlus:
		t.Fatalf("severity-filtered subscriber unexpectedly received an info event: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	assert.ElementsMatch(t, []Severity{SeverityInfo, SeverityError}, allSeen)
	assert.Equal(t, []Severity{SeverityError}, warnSeen)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	assert.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	assert.NotPanics(t, func() { b.Unsubscribe(sub) }, "a repeated Unsubscribe must not double-close the channel")
}
