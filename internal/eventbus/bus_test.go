package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	dispatch, unsubDispatch := b.SubscribePrefix(4, "dispatch.")
	defer unsubDispatch()

	b.Publish(Event{Type: "dispatch.report", Data: 1})
	b.Publish(Event{Type: "delivery.sent", Data: 2})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events", got)
	}
	if got := len(dispatch); got != 1 {
		t.Fatalf("prefix subscriber got %d events", got)
	}
	ev := <-dispatch
	if ev.Type != "dispatch.report" || ev.Time.IsZero() {
		t.Fatalf("event=%+v", ev)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x"})
	}
	st := b.Stats()
	if st.Published != 3 || st.Dropped != 2 || st.Subscribers != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
	if st := b.Stats(); st.Subscribers != 0 {
		t.Fatalf("stats=%+v", st)
	}
}
