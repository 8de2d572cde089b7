package portmon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func dataEvent(b string) *Event {
	return &Event{DeviceNumber: 1, Payload: []byte(b), Major: MajorRead}
}

func waitParked(t *testing.T, q *Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Waiting() == n },
		time.Second, time.Millisecond, "expected %d parked readers", n)
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(0)
	for _, s := range []string{"a", "b", "c"} {
		accepted, dropped := q.Deliver(dataEvent(s))
		require.True(t, accepted)
		require.Zero(t, dropped)
	}
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		ev, err := q.Poll(context.Background(), true)
		require.NoError(t, err)
		require.Equal(t, want, string(ev.Payload))
	}
	_, err := q.Poll(context.Background(), true)
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestQueue_ParkedPollCompletedByDeliver(t *testing.T) {
	q := NewQueue(0)
	got := make(chan *Event, 1)
	go func() {
		ev, err := q.Poll(context.Background(), false)
		if err == nil {
			got <- ev
		}
	}()
	waitParked(t, q, 1)

	q.Deliver(dataEvent("hello"))
	select {
	case ev := <-got:
		require.Equal(t, "hello", string(ev.Payload))
	case <-time.After(time.Second):
		t.Fatal("parked reader was not completed")
	}
	require.Zero(t, q.Len(), "a completed take must not also be queued")
}

func TestQueue_ParkedInfoLeavesDataQueued(t *testing.T) {
	q := NewQueue(0)
	got := make(chan *Event, 1)
	go func() {
		ev, err := q.Info(context.Background(), false)
		if err == nil {
			got <- ev
		}
	}()
	waitParked(t, q, 1)

	q.Deliver(dataEvent("xyz"))
	select {
	case ev := <-got:
		require.Equal(t, uint32(3), ev.Info().PayloadSize)
	case <-time.After(time.Second):
		t.Fatal("parked reader was not completed")
	}

	ev, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, "xyz", string(ev.Payload))
}

func TestQueue_MarkerConsumedByInfo(t *testing.T) {
	q := NewQueue(0)
	q.Deliver(&Event{DeviceNumber: 1, Major: MajorClose})
	q.Deliver(dataEvent("after"))

	ev, err := q.Info(context.Background(), true)
	require.NoError(t, err)
	require.True(t, ev.Marker())
	require.Equal(t, 1, q.Len())

	ev, err = q.Info(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "after", string(ev.Payload))
	require.Equal(t, 1, q.Len(), "data stays queued until popped")
}

func TestQueue_ParkedMarkerNotQueued(t *testing.T) {
	q := NewQueue(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Info(context.Background(), false)
	}()
	waitParked(t, q, 1)

	q.Deliver(&Event{DeviceNumber: 1, Major: MajorCreate})
	<-done
	require.Zero(t, q.Len())
}

func TestQueue_BoundedDropsOldest(t *testing.T) {
	q := NewQueue(2)
	q.Deliver(dataEvent("1"))
	q.Deliver(dataEvent("2"))
	accepted, dropped := q.Deliver(dataEvent("3"))
	require.True(t, accepted)
	require.Equal(t, 1, dropped)
	require.Equal(t, uint64(1), q.Dropped())

	var got []string
	for q.Len() > 0 {
		ev, err := q.Pop()
		require.NoError(t, err)
		got = append(got, string(ev.Payload))
	}
	require.Equal(t, []string{"2", "3"}, got)
}

func TestQueue_PopEmpty(t *testing.T) {
	q := NewQueue(0)
	_, err := q.Pop()
	require.ErrorIs(t, err, ErrNoMoreEntries)
}

func TestQueue_CloseReleasesWaiters(t *testing.T) {
	q := NewQueue(0)
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := q.Poll(context.Background(), false)
			errs <- err
		}()
	}
	waitParked(t, q, 2)

	q.Close()
	for range 2 {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrListenerClosed)
		case <-time.After(time.Second):
			t.Fatal("waiter not released by Close")
		}
	}

	accepted, _ := q.Deliver(dataEvent("late"))
	require.False(t, accepted)
	_, err := q.Pop()
	require.ErrorIs(t, err, ErrListenerClosed)
	q.Close()
}

func TestQueue_ContextCancelUnparks(t *testing.T) {
	q := NewQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := q.Poll(ctx, false)
		errs <- err
	}()
	waitParked(t, q, 1)

	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by cancel")
	}
	require.Zero(t, q.Waiting())

	// A later event is buffered rather than lost to the departed reader.
	q.Deliver(dataEvent("kept"))
	require.Equal(t, 1, q.Len())
}

func TestQueue_WaitersServedInOrder(t *testing.T) {
	q := NewQueue(0)
	first := make(chan string, 1)
	second := make(chan string, 1)

	go func() {
		ev, err := q.Poll(context.Background(), false)
		if err == nil {
			first <- string(ev.Payload)
		}
	}()
	waitParked(t, q, 1)
	go func() {
		ev, err := q.Poll(context.Background(), false)
		if err == nil {
			second <- string(ev.Payload)
		}
	}()
	waitParked(t, q, 2)

	q.Deliver(dataEvent("a"))
	q.Deliver(dataEvent("b"))
	require.Equal(t, "a", <-first)
	require.Equal(t, "b", <-second)
}

func TestQueue_PeekThenTakeWaitersKeepOrder(t *testing.T) {
	q := NewQueue(0)
	peeked := make(chan string, 1)
	taken := make(chan string, 2)

	go func() {
		ev, err := q.Info(context.Background(), false)
		if err == nil {
			peeked <- string(ev.Payload)
		}
	}()
	waitParked(t, q, 1)
	go func() {
		ev, err := q.Poll(context.Background(), false)
		if err == nil {
			taken <- string(ev.Payload)
		}
	}()
	waitParked(t, q, 2)

	q.Deliver(dataEvent("e1"))
	require.Zero(t, q.Waiting(), "every parked reader must be served by the first event")
	require.Equal(t, "e1", <-peeked)
	require.Equal(t, "e1", <-taken)
	require.Zero(t, q.Len(), "an event consumed by a take reader is not buffered")

	q.Deliver(dataEvent("e2"))
	ev, err := q.Poll(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "e2", string(ev.Payload))
}

func TestQueue_ReportedHeadSurvivesOverflow(t *testing.T) {
	q := NewQueue(2)
	q.Deliver(dataEvent("A"))
	q.Deliver(dataEvent("BB"))

	ev, err := q.Info(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, uint32(1), ev.Info().PayloadSize)

	q.Deliver(dataEvent("CCC"))
	_, dropped := q.Deliver(dataEvent("DDDD"))
	require.Equal(t, 1, dropped)

	// Info is repeatable until the reported event is read.
	ev, err = q.Info(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "A", string(ev.Payload))

	var got []string
	for q.Len() > 0 {
		ev, err := q.Pop()
		require.NoError(t, err)
		got = append(got, string(ev.Payload))
	}
	require.Equal(t, []string{"A", "CCC", "DDDD"}, got)
	require.Equal(t, uint64(1), q.Dropped())
}

func TestQueue_ParkedInfoReportsHead(t *testing.T) {
	q := NewQueue(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Info(context.Background(), false)
	}()
	waitParked(t, q, 1)

	q.Deliver(dataEvent("first"))
	<-done
	q.Deliver(dataEvent("second"))
	q.Deliver(dataEvent("third"))

	ev, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, "first", string(ev.Payload))
}
