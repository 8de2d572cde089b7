//go:build linux

package portmon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// TapConfig holds configuration parameters for tapping a serial port.
type TapConfig struct {
	Device     string `yaml:"device"`
	BaudRate   int    `yaml:"baud_rate"`
	BufferSize int    `yaml:"buffer_size"` // default 4096
}

// hangupPollInterval is how often, in milliseconds, a tap whose
// pseudo-terminal has no opener checks whether an application came back.
const hangupPollInterval = 50

// Tap interposes on a Linux serial port. Applications open the
// pseudo-terminal at Path instead of the port itself; the tap forwards bytes
// unchanged in both directions and publishes every transfer to its Monitor.
//
// Application writes are published as MajorWrite before being forwarded,
// port reads as deferred MajorRead events. Opening and closing the
// pseudo-terminal produce MajorCreate and MajorClose markers.
type Tap struct {
	fd        int
	port      *os.File
	master    *os.File
	masterFd  int
	path      string
	config    TapConfig
	monitor   *Monitor
	device    *Device
	logger    *slog.Logger
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	err       error
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// tapBacking is the registry handle of a tapped port.
type tapBacking struct {
	port string
}

func (b tapBacking) DeviceName() (string, error) {
	return b.port, nil
}

// OpenTap opens the port described by cfg in raw mode, allocates the
// pseudo-terminal applications will talk through, registers the port with m
// and starts forwarding.
func OpenTap(m *Monitor, cfg TapConfig) (*Tap, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}
	if err := makeRaw(fd, cfg.BaudRate); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	// Turn back into blocking mode now that config is done
	syscall.SetNonblock(fd, false)

	master, slave, err := pty.Open()
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if err := makeRaw(int(slave.Fd()), cfg.BaudRate); err != nil {
		slave.Close()
		master.Close()
		syscall.Close(fd)
		return nil, fmt.Errorf("pty: %w", err)
	}
	path := slave.Name()
	// The tap holds only the master side. The slave belongs to whichever
	// application opens path.
	slave.Close()

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		master.Close()
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	device, err := m.AddDevice(tapBacking{port: cfg.Device})
	if err != nil {
		unix.Close(pipeFds[0])
		unix.Close(pipeFds[1])
		master.Close()
		syscall.Close(fd)
		return nil, fmt.Errorf("register %s: %w", cfg.Device, err)
	}

	t := &Tap{
		fd:       fd,
		port:     os.NewFile(uintptr(fd), cfg.Device),
		master:   master,
		masterFd: int(master.Fd()),
		path:     path,
		config:   cfg,
		monitor:  m,
		device:   device,
		logger:   m.logger.With("tap", cfg.Device, "device", device.Number()),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		pipeR:    pipeFds[0],
		pipeW:    pipeFds[1],
	}
	go t.run()
	t.logger.Info("tap started", "path", path)
	return t, nil
}

// Path returns the pseudo-terminal applications should open.
func (t *Tap) Path() string {
	return t.path
}

// Device returns the registry entry of the tapped port.
func (t *Tap) Device() *Device {
	return t.device
}

// Wait blocks until forwarding stops and returns the error that stopped it,
// or nil if the tap was closed.
func (t *Tap) Wait() error {
	<-t.stopped
	return t.err
}

// run forwards traffic until the tap is closed or the port fails.
func (t *Tap) run() {
	defer close(t.stopped)
	defer t.monitor.RemoveDevice(t.device)

	buf := make([]byte, t.config.BufferSize)
	hungUp := true
	for {
		// A hung-up pseudo-terminal reports POLLHUP no matter what is
		// asked for, so it is left out of the poll set and checked for
		// a new opener every hangupPollInterval instead.
		timeout := -1
		masterFd := int32(t.masterFd)
		if hungUp {
			timeout = hangupPollInterval
			masterFd = -1
		}
		pfd := []unix.PollFd{
			{Fd: int32(t.fd), Events: unix.POLLIN},
			{Fd: masterFd, Events: unix.POLLIN},
			{Fd: int32(t.pipeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfd, timeout); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			t.fail(fmt.Errorf("poll: %w", err))
			return
		}
		// Check killability
		select {
		case <-t.done:
			return
		default:
		}
		if pfd[2].Revents&unix.POLLIN != 0 {
			return
		}

		if hungUp {
			if t.reopened() {
				hungUp = false
				t.monitor.PublishOpen(t.device, 0)
			}
		} else {
			master := pfd[1].Revents
			switch {
			case master&unix.POLLHUP != 0:
				hungUp = true
				t.monitor.PublishClose(t.device)
			case master&unix.POLLIN != 0:
				n, err := unix.Read(t.masterFd, buf)
				if errors.Is(err, unix.EIO) {
					hungUp = true
					t.monitor.PublishClose(t.device)
					break
				}
				if err != nil {
					t.fail(fmt.Errorf("read pty: %w", err))
					return
				}
				t.monitor.Publish(t.device, buf[:n], MajorWrite, 0, uint32(n))
				if err := writeAll(t.fd, buf[:n]); err != nil {
					t.fail(fmt.Errorf("write port: %w", err))
					return
				}
			}
		}

		port := pfd[0].Revents
		if port&unix.POLLIN != 0 {
			n, err := unix.Read(t.fd, buf)
			if err != nil {
				t.fail(fmt.Errorf("read port: %w", err))
				return
			}
			if n == 0 {
				t.fail(fmt.Errorf("read port: %w", os.ErrClosed))
				return
			}
			t.monitor.PublishDeferred(t.device, buf[:n], MajorRead, 0, 0)
			// Nobody holds the pseudo-terminal, so there is no reader to
			// forward to; the listeners still saw the data.
			if !hungUp {
				if err := writeAll(t.masterFd, buf[:n]); err != nil {
					t.fail(fmt.Errorf("write pty: %w", err))
					return
				}
			}
		} else if port&(unix.POLLHUP|unix.POLLERR) != 0 {
			t.fail(fmt.Errorf("port %s hung up", t.config.Device))
			return
		}
	}
}

// reopened reports whether an application has the pseudo-terminal open again.
func (t *Tap) reopened() bool {
	pfd := []unix.PollFd{{Fd: int32(t.masterFd), Events: unix.POLLIN}}
	if _, err := unix.Poll(pfd, 0); err != nil {
		return false
	}
	return pfd[0].Revents&unix.POLLHUP == 0
}

func (t *Tap) fail(err error) {
	t.err = err
	t.logger.Error("tap stopped", "error", err)
}

// Close stops forwarding, removes the port from the monitor and releases the
// port and pseudo-terminal. Safe to call multiple times; subsequent calls are
// no-ops.
func (t *Tap) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		// Wake up poll using self-pipe
		unix.Write(t.pipeW, []byte{1})
		<-t.stopped

		err = t.port.Close()
		if cerr := t.master.Close(); err == nil {
			err = cerr
		}
		unix.Close(t.pipeR)
		unix.Close(t.pipeW)
	})
	return err
}

func writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

// makeRaw puts the terminal behind fd into raw 8N1 mode at the given baud
// rate, with reads returning as soon as one byte is available.
func makeRaw(fd int, baudRate int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	// Baud rate
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baudToUnix(baudRate)

	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 1200:
		return unix.B1200
	case 2400:
		return unix.B2400
	case 4800:
		return unix.B4800
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	case 460800:
		return unix.B460800
	case 921600:
		return unix.B921600
	default:
		return unix.B115200 // fallback
	}
}
