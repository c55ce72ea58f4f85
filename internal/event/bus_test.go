package event

import (
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/panecore/internal/diag"
)

func testEnvelope(id string, seq uint64) Envelope {
	return Envelope{
		Source:    EntitySource(id),
		Payload:   PaneTitleChanged{Title: id},
		Seq:       seq,
		Timestamp: time.Now(),
	}
}

func receive(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return Envelope{}
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	sub := bus.Subscribe()
	defer sub.Close()

	if sub.ID() == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if sub.Name() != sub.ID() {
		t.Errorf("Name() = %q, want id %q when unnamed", sub.Name(), sub.ID())
	}
	if sub.Policy() != Unbounded {
		t.Errorf("Policy() = %v, want %v", sub.Policy(), Unbounded)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
}

func TestBus_PostDeliversInOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	for i := uint64(1); i <= 50; i++ {
		bus.Post(testEnvelope("a", i))
	}
	for i := uint64(1); i <= 50; i++ {
		env := receive(t, sub)
		if env.Seq != i {
			t.Fatalf("Seq = %d, want %d", env.Seq, i)
		}
	}
}

func TestBus_FanOutCompleteness(t *testing.T) {
	bus := NewBus()
	const subscribers = 5
	const events = 200

	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = bus.Subscribe()
	}

	go func() {
		for i := uint64(1); i <= events; i++ {
			bus.Post(testEnvelope("p", i))
		}
	}()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			for i := uint64(1); i <= events; i++ {
				env := receive(t, s)
				if env.Seq != i {
					t.Errorf("subscriber %s: Seq = %d, want %d", s.Name(), env.Seq, i)
					return
				}
			}
		}(sub)
	}
	wg.Wait()

	for _, sub := range subs {
		if sub.Dropped() != 0 {
			t.Errorf("unbounded subscriber dropped %d envelopes", sub.Dropped())
		}
		sub.Close()
	}
}

func TestBus_SlowSubscriberDoesNotBlockPost(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(WithName("slow"))
	defer slow.Close()
	fast := bus.Subscribe(WithName("fast"))
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 1000; i++ {
			bus.Post(testEnvelope("x", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked on a subscriber that never reads")
	}

	for i := uint64(1); i <= 1000; i++ {
		if env := receive(t, fast); env.Seq != i {
			t.Fatalf("fast subscriber Seq = %d, want %d", env.Seq, i)
		}
	}
}

func TestBus_DropOldest(t *testing.T) {
	counters := diag.New(nil)
	bus := NewBus(WithCounters(counters))

	// Queue envelopes while nobody reads. The delivery goroutine may hold one
	// envelope ready to send, so at most capacity+1 survive.
	sub := bus.Subscribe(WithDropOldest(3), WithName("diag"))
	defer sub.Close()

	for i := uint64(1); i <= 10; i++ {
		bus.Post(testEnvelope("d", i))
	}

	if sub.Pending() > 3 {
		t.Errorf("Pending() = %d, want <= 3", sub.Pending())
	}
	dropped := sub.Dropped()
	if dropped < 6 || dropped > 7 {
		t.Errorf("Dropped() = %d, want 6 or 7", dropped)
	}
	if got := counters.Get(diag.BusDropped); got != dropped {
		t.Errorf("bus.dropped counter = %d, want %d", got, dropped)
	}

	// The newest envelope is always retained and order is preserved.
	var last uint64
	for last != 10 {
		env := receive(t, sub)
		if env.Seq <= last {
			t.Fatalf("Seq went backwards: %d after %d", env.Seq, last)
		}
		last = env.Seq
	}
}

func TestWithDropOldest_MinimumCapacity(t *testing.T) {
	var cfg subscribeConfig
	WithDropOldest(0)(&cfg)
	if cfg.capacity != 1 {
		t.Errorf("capacity = %d, want 1", cfg.capacity)
	}
	if cfg.policy != DropOldest {
		t.Errorf("policy = %v, want %v", cfg.policy, DropOldest)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	if !bus.Unsubscribe(sub.ID()) {
		t.Error("Unsubscribe should return true for an active subscription")
	}
	if bus.Unsubscribe(sub.ID()) {
		t.Error("second Unsubscribe should return false")
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("channel should be closed after Unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed after Unsubscribe")
	}

	// Posting after teardown must not panic or deliver.
	bus.Post(testEnvelope("a", 1))
	sub.Close()
}

func TestBus_UnsubscribeUnknown(t *testing.T) {
	bus := NewBus()
	if bus.Unsubscribe("sub-404") {
		t.Error("Unsubscribe of unknown id should return false")
	}
}

func TestBus_SubscribeFunc(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	sub := bus.SubscribeFunc(func(env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env.Seq)
		if len(got) == 3 {
			close(done)
		}
	})
	defer sub.Close()

	for i := uint64(1); i <= 3; i++ {
		bus.Post(testEnvelope("f", i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called three times")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Errorf("got[%d] = %d, want %d", i, seq, i+1)
		}
	}
}

func TestBus_SubscribeFuncRecoversPanic(t *testing.T) {
	bus := NewBus()

	done := make(chan struct{})
	calls := 0
	sub := bus.SubscribeFunc(func(env Envelope) {
		calls++
		if env.Seq == 1 {
			panic("handler failure")
		}
		close(done)
	})
	defer sub.Close()

	bus.Post(testEnvelope("p", 1))
	bus.Post(testEnvelope("p", 2))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stopped after handler panic")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Close()
	bus.Close()

	for _, sub := range []*Subscription{a, b} {
		select {
		case _, ok := <-sub.C():
			if ok {
				t.Error("channel should be closed after bus Close")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("channel was not closed after bus Close")
		}
	}
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}

	bus.Post(testEnvelope("a", 1))

	late := bus.Subscribe()
	select {
	case _, ok := <-late.C():
		if ok {
			t.Error("subscription on closed bus should be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription on closed bus was not closed")
	}
}

func TestBus_ConcurrentAccess(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(WithDropOldest(4))
			bus.Post(testEnvelope("c", 1))
			sub.Close()
		}()
		go func(n int) {
			defer wg.Done()
			bus.Post(testEnvelope("c", uint64(n+1)))
		}(i)
	}
	wg.Wait()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBufferPolicy_String(t *testing.T) {
	if Unbounded.String() != "unbounded" {
		t.Errorf("Unbounded.String() = %q", Unbounded.String())
	}
	if DropOldest.String() != "drop-oldest" {
		t.Errorf("DropOldest.String() = %q", DropOldest.String())
	}
}
