package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func drain(s *ChanSubscriber) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestFilterScopes(t *testing.T) {
	r := NewRegistry()
	tenant := NewChanSubscriber("tenant", 16)
	conn := NewChanSubscriber("conn", 16)
	conv := NewChanSubscriber("conv", 16)
	other := NewChanSubscriber("other", 16)

	mustSub := func(s Subscriber, f Filter) {
		t.Helper()
		if err := r.Subscribe(s, f); err != nil {
			t.Fatal(err)
		}
	}
	mustSub(tenant, Filter{TenantID: "t1"})
	mustSub(conn, Filter{TenantID: "t1", ConnectionID: "wa1"})
	mustSub(conv, Filter{TenantID: "t1", ConnectionID: "wa1", ConversationID: "c1"})
	mustSub(other, Filter{TenantID: "t2"})

	r.Publish(Event{Name: "message.new", TenantID: "t1", ConnectionID: "wa1", ConversationID: "c1"})
	r.Publish(Event{Name: "message.new", TenantID: "t1", ConnectionID: "wa1", ConversationID: "c2"})
	r.Publish(Event{Name: "message.new", TenantID: "t1", ConnectionID: "wa2", ConversationID: "c3"})

	tests := []struct {
		sub  *ChanSubscriber
		want int
	}{
		{tenant, 3},
		{conn, 2},
		{conv, 1},
		{other, 0},
	}
	for _, tt := range tests {
		if got := len(drain(tt.sub)); got != tt.want {
			t.Errorf("%s received %d events, want %d", tt.sub.ID(), got, tt.want)
		}
	}
}

func TestSubscribeRequiresTenant(t *testing.T) {
	r := NewRegistry()
	err := r.Subscribe(NewChanSubscriber("s", 1), Filter{ConversationID: "c1"})
	if !errors.Is(err, ErrTenantRequired) {
		t.Errorf("Subscribe() = %v, want ErrTenantRequired", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestOverlappingFiltersDeliverOnce(t *testing.T) {
	r := NewRegistry()
	s := NewChanSubscriber("s", 16)
	r.Subscribe(s, Filter{TenantID: "t1"})
	r.Subscribe(s, Filter{TenantID: "t1", ConversationID: "c1"})

	r.Publish(Event{Name: "message.ack", TenantID: "t1", ConversationID: "c1"})
	if got := len(drain(s)); got != 1 {
		t.Errorf("received %d copies, want 1", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()
	s := NewChanSubscriber("s", 16)
	f := Filter{TenantID: "t1"}
	r.Subscribe(s, f)
	r.RemoveFilter("s", f)
	r.Publish(Event{Name: "x", TenantID: "t1"})
	if got := len(drain(s)); got != 0 {
		t.Errorf("received %d events after RemoveFilter", got)
	}

	r.Subscribe(s, f)
	r.Unsubscribe("s")
	r.Publish(Event{Name: "x", TenantID: "t1"})
	if got := len(drain(s)); got != 0 {
		t.Errorf("received %d events after Unsubscribe", got)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestPerConversationOrder(t *testing.T) {
	r := NewRegistry()
	s := NewChanSubscriber("s", 1024)
	r.Subscribe(s, Filter{TenantID: "t1"})

	var wg sync.WaitGroup
	for _, conv := range []string{"c1", "c2", "c3"} {
		wg.Add(1)
		go func(conv string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Publish(Event{Name: "message.ack", TenantID: "t1", ConversationID: conv, Payload: i})
			}
		}(conv)
	}
	wg.Wait()

	next := map[string]int{}
	for _, ev := range drain(s) {
		i := ev.Payload.(int)
		if i != next[ev.ConversationID] {
			t.Fatalf("conversation %s: got event %d, want %d", ev.ConversationID, i, next[ev.ConversationID])
		}
		next[ev.ConversationID]++
	}
	for _, conv := range []string{"c1", "c2", "c3"} {
		if next[conv] != 100 {
			t.Errorf("conversation %s delivered %d events, want 100", conv, next[conv])
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	r := NewRegistry()
	slow := NewChanSubscriber("slow", 1)
	fast := NewChanSubscriber("fast", 16)
	r.Subscribe(slow, Filter{TenantID: "t1"})
	r.Subscribe(fast, Filter{TenantID: "t1"})

	for i := 0; i < 3; i++ {
		r.Publish(Event{Name: "x", TenantID: "t1", ConversationID: "c1"})
	}

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after dropping the slow subscriber", r.Count())
	}
	if got := len(drain(fast)); got != 3 {
		t.Errorf("fast subscriber got %d events, want 3", got)
	}
	// The slow subscriber keeps what it accepted, then sees its channel closed.
	if got := len(drain(slow)); got != 1 {
		t.Errorf("slow subscriber got %d events, want 1", got)
	}
	if _, ok := <-slow.Events(); ok {
		t.Error("slow subscriber channel still open")
	}
}

func TestPublishWithoutTenantIsDropped(t *testing.T) {
	r := NewRegistry()
	s := NewChanSubscriber("s", 4)
	r.Subscribe(s, Filter{TenantID: "t1"})
	r.Publish(Event{Name: "x"})
	if got := len(drain(s)); got != 0 {
		t.Errorf("received %d events without tenant", got)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func TestSinksSeeRemoteOnlyViaPublish(t *testing.T) {
	r := NewRegistry()
	sink := &recordingSink{}
	r.AddSink(sink)

	r.Publish(Event{Name: "a", TenantID: "t1"})
	r.PublishLocal(Event{Name: "b", TenantID: "t1"})
	if len(sink.events) != 1 || sink.events[0].Name != "a" {
		t.Errorf("sink events = %+v, want only a", sink.events)
	}
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	got  chan struct{}
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	w.got <- struct{}{}
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSinkWritesKeyedEvents(t *testing.T) {
	w := &fakeWriter{got: make(chan struct{}, 8)}
	sink := NewKafkaSink(w, "node-a", 8)
	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)

	sink.Publish(Event{Name: "message.new", TenantID: "t1", ConversationID: "c1"})
	select {
	case <-w.got:
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not write")
	}
	cancel()
	sink.Close(context.Background())

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "t1|c1" {
		t.Errorf("key = %q, want t1|c1", m.Key)
	}
	var ev Event
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Name != "message.new" {
		t.Errorf("value = %s (%v)", m.Value, err)
	}
}

type fakeReader struct {
	msgs      []kafka.Message
	committed int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(context.Context, ...kafka.Message) error {
	r.committed++
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaRelaySkipsOwnEvents(t *testing.T) {
	enc := func(origin, name string) kafka.Message {
		data, _ := json.Marshal(Event{Name: name, TenantID: "t1", ConversationID: "c1"})
		return kafka.Message{Value: data, Headers: []kafka.Header{{Key: headerOrigin, Value: []byte(origin)}}}
	}
	rd := &fakeReader{msgs: []kafka.Message{enc("node-a", "mine"), enc("node-b", "theirs"), {Value: []byte("not json")}}}

	reg := NewRegistry()
	s := NewChanSubscriber("s", 8)
	reg.Subscribe(s, Filter{TenantID: "t1"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := NewKafkaRelay(rd, reg, "node-a").Run(ctx); err != nil {
		t.Fatal(err)
	}

	got := drain(s)
	if len(got) != 1 || got[0].Name != "theirs" {
		t.Errorf("relayed %v, want only theirs", fmt.Sprint(got))
	}
	if rd.committed != 3 {
		t.Errorf("committed %d messages, want 3", rd.committed)
	}
}
