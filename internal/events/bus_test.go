package events

import (
	"sync"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic topic delivery.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicStep, 10)

	bus.Publish(TopicStep, StepStarted{
		ID:        "step-1",
		Tier:      "local",
		Attempt:   1,
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.StepID() != "step-1" {
			t.Errorf("step ID %q", received.StepID())
		}
		if received.EventType() != EventTypeStepStarted {
			t.Errorf("event type %q", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies fan-out to every topic subscriber.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicStep, 10)
	ch2 := bus.Subscribe(TopicStep, 10)

	bus.Publish(TopicStep, StepCompleted{ID: "step-2", Result: "done", Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.StepID() != "step-2" {
				t.Errorf("subscriber %d: step ID %q", i+1, received.StepID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout", i+1)
		}
	}
}

// TestTopicIsolation verifies a step subscriber never sees list events.
func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	stepCh := bus.Subscribe(TopicStep, 10)
	listCh := bus.Subscribe(TopicList, 10)

	bus.Publish(TopicList, ListFinished{ID: "list-1", Status: "completed", Timestamp: time.Now()})

	select {
	case e := <-listCh:
		if e.EventType() != EventTypeListFinished {
			t.Errorf("event type %q", e.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("list subscriber should receive the event")
	}

	select {
	case e := <-stepCh:
		t.Errorf("step subscriber received %q from another topic", e.EventType())
	case <-time.After(50 * time.Millisecond):
	}
}

// TestSubscribeAllSeesEveryTopic verifies cross-topic subscriptions.
func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)

	bus.Publish(TopicStep, StepEligible{ID: "s1", Timestamp: time.Now()})
	bus.Publish(TopicList, ListStarted{ID: "l1", Steps: 3, Timestamp: time.Now()})

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-all:
			got = append(got, e.EventType())
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout after %d events", i)
		}
	}
	if got[0] != EventTypeStepEligible || got[1] != EventTypeListStarted {
		t.Errorf("events: %v", got)
	}
}

// TestNonBlockingPublish verifies a full subscriber never stalls the publisher.
func TestNonBlockingPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicStep, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(TopicStep, StepRetried{ID: "hot", Attempt: i, Timestamp: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The single buffered event is still deliverable.
	select {
	case <-ch:
	default:
		t.Error("buffered event missing")
	}
}

// TestCloseIdempotent verifies Close can be called twice and ends subscribers.
func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicStep, 10)

	bus.Close()
	bus.Close()

	if _, open := <-ch; open {
		t.Error("subscriber channel should be closed")
	}

	// Publishing after close is discarded, not a panic.
	bus.Publish(TopicStep, StepEligible{ID: "late"})

	if late := bus.Subscribe(TopicStep, 10); late == nil {
		t.Fatal("subscribe after close should return a channel")
	} else if _, open := <-late; open {
		t.Error("subscribe after close should return a closed channel")
	}
}

// TestConcurrentPublishers verifies the bus is safe under parallel publishing.
func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicStep, 1000)

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(TopicStep, StepEligible{ID: "s", Timestamp: time.Now()})
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != 500 {
				t.Errorf("received %d events, want 500", count)
			}
			return
		}
	}
}
