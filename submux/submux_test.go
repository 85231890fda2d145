package submux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/event"
)

func newSigner(t *testing.T) *authcrypto.Secp256k1 {
	t.Helper()
	s := &authcrypto.Secp256k1{}
	require.NoError(t, s.Generate())
	return s
}

func groupFilters(groupId string) event.Filters {
	return event.Filters{{Kinds: []int{event.KindTextNote}, Tags: map[string][]string{"h": {groupId}}}}
}

// TestDeliver is spec.md §8 scenario 5 (subscription dedup): subscribing
// twice under the same name with equivalent filters must deliver to both
// callbacks, and Deliver itself must not deadlock -- the bug this test was
// added to catch had Deliver re-entering its own non-reentrant mutex via
// All().
func TestDeliver(t *testing.T) {
	m := New()
	s := newSigner(t)

	var mu sync.Mutex
	var got1, got2 []string

	sub, isNew := m.Subscribe("foo", groupFilters("g1"), func(ev *event.E) {
		mu.Lock()
		defer mu.Unlock()
		got1 = append(got1, ev.IdHex())
	})
	require.True(t, isNew)
	require.Equal(t, "sub1", sub.ShortId)

	sub2, isNew2 := m.Subscribe("foo", groupFilters("g1"), func(ev *event.E) {
		mu.Lock()
		defer mu.Unlock()
		got2 = append(got2, ev.IdHex())
	})
	require.False(t, isNew2, "same name+hash must reuse the existing subscription")
	require.Equal(t, sub.ShortId, sub2.ShortId)

	ev, err := event.NewTextNote(s, "hello", "g1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Deliver(ev)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver did not return -- deadlock")
	}

	require.Equal(t, []string{ev.IdHex()}, got1)
	require.Equal(t, []string{ev.IdHex()}, got2)

	// an event for a different group must not be delivered.
	other, err := event.NewTextNote(s, "hi", "g2")
	require.NoError(t, err)
	m.Deliver(other)
	require.Equal(t, []string{ev.IdHex()}, got1)
}

// TestDeliverIsolatesPanickingCallback exercises spec.md §5's backpressure
// rule: a panicking callback must not stop other subscribers from being
// delivered the event.
func TestDeliverIsolatesPanickingCallback(t *testing.T) {
	m := New()
	s := newSigner(t)

	var delivered bool
	m.Subscribe("panicky", groupFilters("g1"), func(ev *event.E) { panic("boom") })
	m.Subscribe("fine", groupFilters("g1"), func(ev *event.E) { delivered = true })

	ev, err := event.NewTextNote(s, "hello", "g1")
	require.NoError(t, err)

	require.NotPanics(t, func() { m.Deliver(ev) })
	require.True(t, delivered)
}

func TestByShortIdDemuxesAfterSubscribe(t *testing.T) {
	m := New()
	sub, _ := m.Subscribe("foo", groupFilters("g1"), func(*event.E) {})

	got, ok := m.ByShortId(sub.ShortId)
	require.True(t, ok)
	require.Equal(t, "foo", got.Name)

	m.Unsubscribe("foo")
	_, ok = m.ByShortId(sub.ShortId)
	require.False(t, ok)
}
