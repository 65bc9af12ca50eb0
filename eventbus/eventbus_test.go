package eventbus

import (
	"sort"
	"testing"
	"time"
)

const (
	TopicConfig = "config"
	TopicGeo    = "geo"
)

func TestBasicPubSub(t *testing.T) {
	eb := New(4)
	obs := eb.NewObserver()

	sub := obs.Subscribe(T(TopicConfig, TopicGeo))

	msg := eb.NewMessage(T(TopicConfig, TopicGeo), "hello", false)
	eb.Publish(msg)

	select {
	case got := <-sub.Channel():
		if got.Payload.(string) != "hello" {
			t.Errorf("expected payload 'hello', got %v", got.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestRetainedMessage(t *testing.T) {
	eb := New(2)
	obs := eb.NewObserver()

	msg := eb.NewMessage(T(TopicConfig, TopicGeo), "persist", true)
	eb.Publish(msg)

	sub := obs.Subscribe(T(TopicConfig, TopicGeo))

	select {
	case got := <-sub.Channel():
		if got.Payload.(string) != "persist" {
			t.Errorf("expected retained payload 'persist', got %v", got.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for retained message")
	}
}

// -----------------------------------------------------------------------------
// Wildcards
// -----------------------------------------------------------------------------

func TestWildcard_SingleLevel(t *testing.T) {
	eb := New(16)
	o := eb.NewObserver()

	s1 := o.Subscribe(T("a", "+", "c"))
	s2 := o.Subscribe(T("a", "+", "+"))
	s3 := o.Subscribe(T("a", "b", "+"))
	sNo := o.Subscribe(T("a", "+", "d"))

	eb.Publish(eb.NewMessage(T("a", "b", "c"), "m1", false))

	expectOneOf(t, s1, "m1")
	expectOneOf(t, s2, "m1")
	expectOneOf(t, s3, "m1")
	expectNoMessage(t, sNo)

	eb.Publish(eb.NewMessage(T("a", "x", "y"), "m2", false))

	expectOneOf(t, s2, "m2")
	expectNoMessage(t, s1)
	expectNoMessage(t, s3)
	expectNoMessage(t, sNo)

	eb.Publish(eb.NewMessage(T("a", "c"), "m3", false))
	expectNoMessage(t, s1)
	expectNoMessage(t, s2)
	expectNoMessage(t, s3)
	expectNoMessage(t, sNo)
}

func TestWildcard_MultiLevel(t *testing.T) {
	eb := New(16)
	o := eb.NewObserver()

	sAHash := o.Subscribe(T("a", "#"))
	sHash := o.Subscribe(T("#"))
	sABHash := o.Subscribe(T("a", "b", "#"))
	sAExact := o.Subscribe(T("a"))

	eb.Publish(eb.NewMessage(T("a"), "p1", false))
	expectOneOf(t, sAHash, "p1")
	expectOneOf(t, sHash, "p1")
	expectOneOf(t, sAExact, "p1")
	expectNoMessage(t, sABHash)

	eb.Publish(eb.NewMessage(T("a", "b"), "p2", false))
	expectOneOf(t, sAHash, "p2")
	expectOneOf(t, sHash, "p2")
	expectOneOf(t, sABHash, "p2")
	expectNoMessage(t, sAExact)

	eb.Publish(eb.NewMessage(T("a", "b", "c"), "p3", false))
	expectOneOf(t, sAHash, "p3")
	expectOneOf(t, sHash, "p3")
	expectOneOf(t, sABHash, "p3")
	expectNoMessage(t, sAExact)
}

func TestWildcard_RetainedDelivery(t *testing.T) {
	eb := New(32)
	o := eb.NewObserver()

	eb.Publish(eb.NewMessage(T("a"), "r0", true))
	eb.Publish(eb.NewMessage(T("a", "b"), "r1", true))
	eb.Publish(eb.NewMessage(T("a", "b", "c"), "r2", true))
	eb.Publish(eb.NewMessage(T("a", "x"), "r3", true))

	sAll := o.Subscribe(T("a", "#"))
	gotAll := drainPayloads(t, sAll, 4)
	assertUnorderedEqual(t, gotAll, []string{"r0", "r1", "r2", "r3"})

	sPlusHash := o.Subscribe(T("a", "+", "#"))
	gotPH := drainPayloads(t, sPlusHash, 3)
	assertUnorderedEqual(t, gotPH, []string{"r1", "r2", "r3"})

	sPlus := o.Subscribe(T("a", "+"))
	gotP := drainPayloads(t, sPlus, 2)
	assertUnorderedEqual(t, gotP, []string{"r1", "r3"})
}

func TestWildcard_RetainedClear(t *testing.T) {
	eb := New(16)
	o := eb.NewObserver()

	eb.Publish(eb.NewMessage(T("a", "b"), "keep", true))
	eb.Publish(eb.NewMessage(T("a", "y"), "other", true))

	eb.Publish(eb.NewMessage(T("a", "b"), nil, true))

	s := o.Subscribe(T("a", "#"))
	got := drainPayloads(t, s, 1)

	if len(got) != 1 || got[0] != "other" {
		t.Fatalf("expected only 'other' after clear, got %v", got)
	}
}

func TestWildcard_NoMatchCases(t *testing.T) {
	eb := New(8)
	o := eb.NewObserver()

	s := o.Subscribe(T("a", "+", "c"))

	eb.Publish(eb.NewMessage(T("a", "c"), "x", false))
	expectNoMessage(t, s)

	eb.Publish(eb.NewMessage(T("a", "b", "d"), "y", false))
	expectNoMessage(t, s)
}

func TestObserver_CloseUnsubscribesAll(t *testing.T) {
	eb := New(8)
	o := eb.NewObserver()

	sub := o.Subscribe(T("a", "b"))
	o.Close()

	eb.Publish(eb.NewMessage(T("a", "b"), "after-close", false))

	select {
	case _, ok := <-sub.Channel():
		if ok {
			t.Fatal("expected closed channel after Observer.Close")
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("expected channel to be closed, got neither value nor close")
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func expectOneOf(t *testing.T, sub *Subscription, want string) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		s, ok := got.Payload.(string)
		if !ok || s != want {
			t.Fatalf("unexpected payload: %v (want %q)", got.Payload, want)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNoMessage(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		t.Fatalf("unexpected message: %#v", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func drainPayloads(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	deadline := time.Now().Add(300 * time.Millisecond)
	for len(out) < n && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if s, ok := m.Payload.(string); ok {
				out = append(out, s)
			} else {
				t.Fatalf("non-string payload in drain: %#v", m.Payload)
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(out) != n {
		t.Fatalf("drainPayloads: expected %d messages, got %d (%v)", n, len(out), out)
	}
	return out
}

func assertUnorderedEqual(t *testing.T, got, want []string) {
	t.Helper()
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d (%v vs %v)", len(got), len(want), got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("mismatch at %d: got %q, want %q (got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}

func TestTopic_InvalidTokenPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for non-comparable token, got none")
		}
	}()

	// []byte is not comparable, so T should panic
	_ = T([]byte{1, 2, 3})
}
