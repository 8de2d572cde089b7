// portmon is a listener for portmond.
//
// Usage:
//
//	portmon [--socket PATH] list
//	portmon [--socket PATH] watch DEVICE...
//
// list prints the number and name of every tapped port. watch attaches to
// the given device numbers and prints one line per event, with the payload
// in hex, until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	portmon "github.com/luhtfiimanal/go-linux-portmon"
	"github.com/luhtfiimanal/go-linux-portmon/ctlsock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var socketPath string

	flagSet := pflag.NewFlagSet("portmon", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "/run/portmon/control.sock", "portmond control socket")
	flagSet.SetInterspersed(false)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 {
		return fmt.Errorf("missing command (list or watch)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := ctlsock.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	switch args[0] {
	case "list":
		return list(client, os.Stdout)
	case "watch":
		numbers, err := parseDeviceNumbers(args[1:])
		if err != nil {
			return err
		}
		// A parked EventInfo only returns once the connection goes away.
		go func() {
			<-ctx.Done()
			client.Close()
		}()
		err = watch(client, numbers, os.Stdout)
		if ctx.Err() != nil {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func list(client *ctlsock.Client, out io.Writer) error {
	devices, err := client.Devices()
	if err != nil {
		return err
	}
	for _, device := range devices {
		fmt.Fprintf(out, "%d\t%s\n", device.Number, device.Name)
	}
	return nil
}

func parseDeviceNumbers(args []string) ([]uint32, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("watch: no device numbers given")
	}
	numbers := make([]uint32, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("watch: invalid device number %q", arg)
		}
		numbers = append(numbers, uint32(n))
	}
	return numbers, nil
}

func watch(client *ctlsock.Client, numbers []uint32, out io.Writer) error {
	for _, n := range numbers {
		if err := client.Attach(n); err != nil {
			return fmt.Errorf("attach %d: %w", n, err)
		}
	}
	for {
		ev, err := client.NextEvent()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatEvent(ev))
	}
}

func formatEvent(ev *portmon.Event) string {
	line := fmt.Sprintf("%d %s/%d", ev.DeviceNumber, portmon.MajorName(ev.Major), ev.Minor)
	if ev.OutputOffset != 0 {
		line += fmt.Sprintf(" out=%d", ev.OutputOffset)
	}
	if len(ev.Payload) > 0 {
		line += " " + hex.EncodeToString(ev.Payload)
	}
	return line
}
