package transport

import (
	"fmt"
	"testing"
)

func drain(ch <-chan Event) []Event {
	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	return got
}

func seqs(evs []Event) []int {
	out := make([]int, len(evs))
	for i, ev := range evs {
		out[i] = ev.Seq
	}
	return out
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("a1")
	defer unsub()

	for i := range 3 {
		b.Publish("a1", Event{Seq: i, Payload: fmt.Sprintf("m%d", i)})
	}
	b.Close("a1")

	got := drain(ch)
	if fmt.Sprint(seqs(got)) != "[0 1 2]" {
		t.Fatalf("seqs = %v, want [0 1 2]", seqs(got))
	}
	if got[2].Payload != "m2" {
		t.Errorf("payload = %q, want m2", got[2].Payload)
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	ch1, unsub1 := b.Subscribe("a1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("a1")
	defer unsub2()

	if n := b.Subscribers("a1"); n != 2 {
		t.Errorf("Subscribers = %d, want 2", n)
	}

	b.Publish("a1", Event{Seq: 0, Payload: "hello"})
	b.Close("a1")

	for i, ch := range []<-chan Event{ch1, ch2} {
		if got := drain(ch); len(got) != 1 || got[0].Payload != "hello" {
			t.Errorf("subscriber %d got %v", i+1, got)
		}
	}
}

func TestBrokerSubscribeSkipsHistory(t *testing.T) {
	b := NewBroker()
	b.Publish("a1", Event{Seq: 0, Payload: "old"})

	ch, unsub := b.Subscribe("a1")
	defer unsub()
	b.Publish("a1", Event{Seq: 1, Payload: "new"})
	b.Close("a1")

	if got := drain(ch); fmt.Sprint(seqs(got)) != "[1]" {
		t.Errorf("seqs = %v, want [1]", seqs(got))
	}
}

func TestBrokerSubscribeAfterReplaysThenGoesLive(t *testing.T) {
	b := NewBroker()
	for i := range 4 {
		b.Publish("a1", Event{Seq: i})
	}

	ch, unsub := b.SubscribeAfter("a1", 1)
	defer unsub()
	b.Publish("a1", Event{Seq: 4})
	b.Close("a1")

	if got := drain(ch); fmt.Sprint(seqs(got)) != "[2 3 4]" {
		t.Errorf("seqs = %v, want [2 3 4]", seqs(got))
	}
}

func TestBrokerSkipsAlreadyDeliveredSequence(t *testing.T) {
	b := NewBroker()
	b.Publish("a1", Event{Seq: 0})
	ch, unsub := b.SubscribeAfter("a1", -1)
	defer unsub()

	b.Publish("a1", Event{Seq: 0})
	b.Publish("a1", Event{Seq: 1})
	b.Close("a1")

	if got := drain(ch); fmt.Sprint(seqs(got)) != "[0 1]" {
		t.Errorf("seqs = %v, want [0 1]", seqs(got))
	}
}

func TestBrokerReplayWindowIsBounded(t *testing.T) {
	b := NewBroker()
	for i := range replayWindow + 10 {
		b.Publish("a1", Event{Seq: i})
	}
	b.Close("a1")

	got := drain(mustSubscribeAfter(b, "a1", -1))
	if len(got) != replayWindow {
		t.Fatalf("replayed %d events, want %d", len(got), replayWindow)
	}
	if got[0].Seq != 10 {
		t.Errorf("oldest replayed seq = %d, want 10", got[0].Seq)
	}
}

func mustSubscribeAfter(b *Broker, agentID string, after int) <-chan Event {
	ch, _ := b.SubscribeAfter(agentID, after)
	return ch
}

func TestBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := NewBroker()
	b.Publish("a1", Event{Seq: 0, Payload: "early"})
	b.Close("a1")

	ch, unsub := b.Subscribe("a1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("late live subscriber should get a closed channel")
	}

	if got := drain(mustSubscribeAfter(b, "a1", -1)); len(got) != 1 || got[0].Payload != "early" {
		t.Errorf("late replay = %v, want the early event", got)
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("a1")
	unsub()
	unsub() // second call is a no-op

	b.Publish("a1", Event{Seq: 0, Payload: "after unsub"})
	if ev, ok := <-ch; ok {
		t.Errorf("got unexpected event %+v after unsubscribe", ev)
	}
	if n := b.Subscribers("a1"); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("a1")
	defer unsub()

	for i := range liveBuffer + 10 {
		b.Publish("a1", Event{Seq: i})
	}
	if len(ch) != liveBuffer {
		t.Errorf("buffered %d events, want %d", len(ch), liveBuffer)
	}
}

func TestBrokerCloseAll(t *testing.T) {
	b := NewBroker()
	ch1, _ := b.Subscribe("a1")
	ch2, _ := b.Subscribe("a2")
	b.CloseAll()

	for _, ch := range []<-chan Event{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Error("channel should be closed after CloseAll")
		}
	}
}

func TestBrokerCloseUnknownAgent(t *testing.T) {
	b := NewBroker()
	b.Close("nonexistent")
	b.Publish("nonexistent", Event{Seq: 0})
	if got := drain(mustSubscribeAfter(b, "nonexistent", -1)); len(got) != 0 {
		t.Errorf("closed topic recorded %v", got)
	}
}
