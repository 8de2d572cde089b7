package portmon

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, l *Listener) []*Event {
	t.Helper()
	var events []*Event
	for {
		ev, err := l.PollEvent(context.Background(), true)
		if err != nil {
			require.ErrorIs(t, err, ErrWouldBlock)
			return events
		}
		events = append(events, ev)
	}
}

func TestPublish_FIFOPerListener(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	l := connect(t, m)
	require.NoError(t, l.Attach(d.Number()))

	var want []string
	for i := range 50 {
		s := fmt.Sprintf("e%02d", i)
		want = append(want, s)
		m.Publish(d, []byte(s), MajorRead, 0, 0)
	}

	var got []string
	for _, ev := range drain(t, l) {
		got = append(got, string(ev.Payload))
	}
	require.Equal(t, want, got)
}

func TestPublish_IsolationAcrossListeners(t *testing.T) {
	m := newTestMonitor(t)
	devices := addDevices(t, m, "a", "b")
	la := connect(t, m)
	lb := connect(t, m)
	idle := connect(t, m)
	require.NoError(t, la.Attach(devices[0].Number()))
	require.NoError(t, lb.Attach(devices[1].Number()))

	m.Publish(devices[0], []byte("to-a"), MajorWrite, 0, 4)

	require.Equal(t, 1, la.Pending())
	require.Zero(t, lb.Pending())
	require.Zero(t, idle.Pending())
}

func TestPublish_EachListenerOwnsItsCopy(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	l1 := connect(t, m)
	l2 := connect(t, m)
	require.NoError(t, l1.Attach(d.Number()))
	require.NoError(t, l2.Attach(d.Number()))

	buf := []byte("data")
	m.Publish(d, buf, MajorRead, 0, 0)
	copy(buf, "XXXX")

	e1, err := l1.PollEvent(context.Background(), true)
	require.NoError(t, err)
	e2, err := l2.PollEvent(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "data", string(e1.Payload))
	require.Equal(t, "data", string(e2.Payload))

	e1.Payload[0] = 'Z'
	require.Equal(t, "data", string(e2.Payload))
}

func TestPublish_CompletesParkedPoll(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	l := connect(t, m)
	require.NoError(t, l.Attach(d.Number()))

	got := make(chan *Event, 1)
	go func() {
		ev, err := l.PollEvent(context.Background(), false)
		if err == nil {
			got <- ev
		}
	}()
	waitParked(t, l.queue, 1)

	m.Publish(d, []byte("now"), MajorRead, 0, 0)
	select {
	case ev := <-got:
		require.Equal(t, "now", string(ev.Payload))
	case <-time.After(time.Second):
		t.Fatal("publish did not complete parked poll")
	}
	require.Zero(t, l.Pending(), "completed event must not also be buffered")
}

func TestPublish_UnrelatedDeviceDoesNotWake(t *testing.T) {
	m := newTestMonitor(t)
	devices := addDevices(t, m, "a", "b")
	l := connect(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := l.PollEvent(context.Background(), false)
		done <- err
	}()
	waitParked(t, l.queue, 1)

	m.Publish(devices[0], []byte("x"), MajorRead, 0, 0)
	m.Publish(devices[1], []byte("y"), MajorRead, 0, 0)
	select {
	case err := <-done:
		t.Fatalf("unsubscribed listener woke up: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, l.queue.Waiting())

	require.NoError(t, l.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrListenerClosed)
	case <-time.After(time.Second):
		t.Fatal("teardown did not release parked poll")
	}
}

func TestPublish_InvalidOffsetDropped(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	l := connect(t, m)
	require.NoError(t, l.Attach(d.Number()))

	m.Publish(d, []byte("ab"), MajorWrite, 0, 3)
	require.Zero(t, l.Pending())
	require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.dropped.WithLabelValues(dropInvalid)))
}

func TestPublish_ControlDisabledIsNoop(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	l := connect(t, m)
	require.NoError(t, l.Attach(d.Number()))

	m.DisableControl()
	m.Publish(d, []byte("x"), MajorRead, 0, 0)
	require.Zero(t, testutil.ToFloat64(m.metrics.published))
	require.Zero(t, d.Listeners())
}

func TestPublish_OpenAndClose(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	l := connect(t, m)
	require.NoError(t, l.Attach(d.Number()))

	m.PublishOpen(d, 4242)
	m.PublishClose(d)

	events := drain(t, l)
	require.Len(t, events, 2)
	require.Equal(t, MajorCreate, events[0].Major)
	require.Equal(t, uint32(4242), binary.LittleEndian.Uint32(events[0].Payload))
	require.Equal(t, MajorClose, events[1].Major)
	require.True(t, events[1].Marker())
}

func TestPublish_RemovalMarker(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	l := connect(t, m)
	require.NoError(t, l.Attach(d.Number()))

	m.RemoveDevice(d)
	m.Publish(d, []byte("late"), MajorRead, 0, 0)

	events := drain(t, l)
	want := []*Event{{DeviceNumber: d.Number(), Major: MajorPnP, Minor: MinorRemoveDevice}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events after removal (-want +got):\n%s", diff)
	}
	require.Zero(t, d.Listeners())
}

func TestPublish_RemovalMarkerDisabled(t *testing.T) {
	m := newTestMonitor(t, func(c *Config) { c.NotifyRemoval = false })
	d := addDevices(t, m, "a")[0]
	l := connect(t, m)
	require.NoError(t, l.Attach(d.Number()))

	m.RemoveDevice(d)
	require.Zero(t, l.Pending())
}

func TestPublish_DeferredKeepsOrder(t *testing.T) {
	m := newTestMonitor(t, func(c *Config) {
		c.Workers = 4
		c.WorkerBacklog = 1024
	})
	devices := addDevices(t, m, "a", "b", "c")
	l := connect(t, m)
	for _, d := range devices {
		require.NoError(t, l.Attach(d.Number()))
	}

	const perDevice = 100
	for i := range perDevice {
		for _, d := range devices {
			require.NoError(t, m.PublishDeferred(d, []byte{byte(i)}, MajorRead, 0, 0))
		}
	}

	next := make(map[uint32]byte)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range perDevice * len(devices) {
		ev, err := l.PollEvent(ctx, false)
		require.NoError(t, err)
		require.Equal(t, next[ev.DeviceNumber], ev.Payload[0], "device %d out of order", ev.DeviceNumber)
		next[ev.DeviceNumber]++
	}
}

func TestPublish_DeferredAfterClose(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	require.NoError(t, m.Close())

	require.ErrorIs(t, m.PublishDeferred(d, []byte("x"), MajorRead, 0, 0), ErrMonitorClosed)
}

func TestPublish_QueueFullMetric(t *testing.T) {
	m := newTestMonitor(t, func(c *Config) { c.QueueCapacity = 2 })
	d := addDevices(t, m, "a")[0]
	l := connect(t, m)
	require.NoError(t, l.Attach(d.Number()))

	for i := range 5 {
		m.Publish(d, []byte{byte(i)}, MajorRead, 0, 0)
	}
	require.Equal(t, 2, l.Pending())
	require.Equal(t, uint64(3), l.Dropped())
	require.Equal(t, 3.0, testutil.ToFloat64(m.metrics.dropped.WithLabelValues(dropQueueFull)))
	require.Equal(t, 5.0, testutil.ToFloat64(m.metrics.delivered))
}

func TestMonitor_Collector(t *testing.T) {
	m := newTestMonitor(t)
	addDevices(t, m, "a", "b")
	connect(t, m)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(m))

	count, err := testutil.GatherAndCount(registry, "portmon_devices", "portmon_listeners")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, 2.0, testutil.ToFloat64(m.metrics.devices))
	require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.listeners))
}

func TestPublish_ConcurrentChurn(t *testing.T) {
	m := newTestMonitor(t, func(c *Config) { c.QueueCapacity = 64 })
	devices := addDevices(t, m, "a", "b", "c", "d")

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	for _, d := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ctx.Err() == nil; i++ {
				m.Publish(d, []byte{byte(i)}, MajorRead, 0, 0)
				m.PublishDeferred(d, []byte{byte(i)}, MajorWrite, 0, 1)
			}
		}()
	}

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				l, err := m.Connect()
				if err != nil {
					continue
				}
				for _, d := range devices {
					l.Attach(d.Number())
				}
				l.EnumerateFirst()
				l.EnumerateNext()
				pollCtx, pollCancel := context.WithTimeout(ctx, time.Millisecond)
				l.PollEvent(pollCtx, false)
				pollCancel()
				l.EventInfo(ctx, true)
				l.ReadEvent()
				l.Close()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			d, err := m.AddDevice("transient")
			if err != nil {
				continue
			}
			m.RemoveDevice(d)
			m.DisableControl()
			m.EnableControl()
		}
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	wg.Wait()

	require.Equal(t, len(devices), m.Registry().Len())
}

func TestPublish_DeferredAfterCloseMetric(t *testing.T) {
	m := newTestMonitor(t)
	d := addDevices(t, m, "a")[0]
	require.NoError(t, m.Close())

	m.PublishDeferred(d, []byte("x"), MajorRead, 0, 0)
	require.Equal(t, 1.0, testutil.ToFloat64(m.metrics.dropped.WithLabelValues(dropMonitorClosed)))
	require.Zero(t, testutil.ToFloat64(m.metrics.dropped.WithLabelValues(dropBacklogFull)))
}

func TestPublish_RemovalMarkerIsLast(t *testing.T) {
	for range 20 {
		m := newTestMonitor(t)
		d := addDevices(t, m, "a")[0]
		l := connect(t, m)
		require.NoError(t, l.Attach(d.Number()))

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						m.Publish(d, []byte("data"), MajorRead, 0, 0)
					}
				}
			}()
		}
		time.Sleep(time.Millisecond)
		m.RemoveDevice(d)
		close(stop)
		wg.Wait()

		events := drain(t, l)
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		require.Equal(t, MajorPnP, last.Major)
		for _, ev := range events[:len(events)-1] {
			require.Equal(t, MajorRead, ev.Major)
		}
	}
}
