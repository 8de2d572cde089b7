// Package portmon is the event distribution core of a serial port monitor.
//
// A Monitor keeps a registry of monitored devices. Whatever observes I/O on
// those devices (for example a Tap sitting between an application and a real
// port) calls Publish for every operation it sees, and the Monitor copies the
// event into the queue of every listener attached to that device. Listeners
// connect through the Monitor, enumerate the registered devices, attach to
// the ones they are interested in and pull events out of their own queue.
//
// Features:
//   - Many concurrent publishers (one per device) and listeners (one per
//     connection), each free to come and go at any time
//   - Per-listener FIFO queues with a bounded capacity that drops the oldest
//     events of a stalled listener instead of growing without limit
//   - Readers parked on an empty queue are completed directly by the next
//     publish
//   - Enumeration cursors that survive device removal
//   - Linux serial tap built on a pseudo-terminal, plus a Unix socket control
//     protocol in package ctlsock
//   - Prometheus metrics
//
// Example usage:
//
//	mon, err := portmon.New(portmon.DefaultConfig(), slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mon.Close()
//
//	tap, err := portmon.OpenTap(mon, portmon.TapConfig{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tap.Close()
//	fmt.Println("point the application at", tap.Path())
//
//	l, err := mon.Connect()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close()
//
//	if err := l.Attach(tap.Device().Number()); err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    ev, err := l.PollEvent(ctx, false)
//	    if err != nil {
//	        break
//	    }
//	    fmt.Printf("%s %q\n", portmon.MajorName(ev.Major), ev.Payload)
//	}
package portmon
