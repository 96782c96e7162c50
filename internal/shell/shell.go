// Package shell runs the interactive `list`/`status`/`help`/`exit` console
// on stdin, grounded on the teacher's admin CLI: a bufio.Scanner read loop
// on its own goroutine feeding a channel, selected against the command
// context so Ctrl-C and an "unreachable server" signal can interrupt a
// blocked read. Table output uses the same tablewriter call sequence as
// the teacher's telemetry CLI.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/overlaynet/switchd/internal/punch"
	"github.com/overlaynet/switchd/internal/state"
)

// Shell runs the interactive console against the process's shared state.
type Shell struct {
	log         *slog.Logger
	out         io.Writer
	in          io.Reader
	devices     *state.DeviceList
	routes      *state.DirectRouteTable
	punch       *punch.Engine
	unreachable <-chan struct{}
}

// New constructs a Shell reading from os.Stdin and writing to os.Stdout.
// unreachable, if non-nil, is a channel the heartbeat worker signals on
// repeated ping failure; the shell prints a warning when it fires.
func New(log *slog.Logger, devices *state.DeviceList, routes *state.DirectRouteTable, engine *punch.Engine, unreachable <-chan struct{}) *Shell {
	return &Shell{
		log:         log,
		out:         os.Stdout,
		in:          os.Stdin,
		devices:     devices,
		routes:      routes,
		punch:       engine,
		unreachable: unreachable,
	}
}

// Run reads commands until stdin closes, ctx is canceled, or `exit`/`quit`
// is entered. It never returns an error for a clean exit.
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	lines := make(chan string, 1)
	errs := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}
		close(lines)
	}()

	fmt.Fprintln(s.out, "switchd interactive shell. Type 'help' for commands.")
	s.prompt()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case <-s.unreachable:
			fmt.Fprintln(s.out, "\nwarning: server unreachable")
			s.prompt()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if s.dispatch(strings.TrimSpace(line)) {
				return nil
			}
			s.prompt()
		}
	}
}

func (s *Shell) prompt() { fmt.Fprint(s.out, "> ") }

// dispatch executes one command line and reports whether the shell should
// exit.
func (s *Shell) dispatch(line string) bool {
	switch line {
	case "":
		return false
	case "exit", "quit":
		fmt.Fprintln(s.out, "bye")
		return true
	case "help", "h":
		s.printHelp()
	case "list":
		s.printList()
	case "status":
		s.printStatus()
	default:
		fmt.Fprintf(s.out, "unrecognized command: %q (try 'help')\n", line)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, "commands:")
	fmt.Fprintln(s.out, "  list    show known peers and their direct-route state")
	fmt.Fprintln(s.out, "  status  show this device's identity and NAT classification")
	fmt.Fprintln(s.out, "  help    show this message")
	fmt.Fprintln(s.out, "  exit    quit the shell")
}

func (s *Shell) printStatus() {
	dev := state.Device()
	if dev == nil {
		fmt.Fprintln(s.out, "not yet registered")
		return
	}
	nat := state.LocalNatInfo()
	rtt := state.ServerRtt()

	table := tablewriter.NewWriter(s.out)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Virtual IP", "Gateway", "NAT Type", "Public Addr", "Relay Server", "Relay Delay"})

	natType := "unknown"
	publicAddr := "-"
	if nat != nil {
		natType = nat.Type.String()
		publicAddr = fmt.Sprintf("%s:%d", nat.PublicIP, nat.PublicPort)
	}
	relayServer := "-"
	if dev.ServerAddr != nil {
		relayServer = dev.ServerAddr.String()
	}
	relayDelay := "unmeasured"
	if rtt >= 0 {
		relayDelay = time.Duration(rtt * int64(time.Millisecond)).String()
	}

	table.Append([]string{
		dev.VirtualIP.String(),
		dev.VirtualGateway.String(),
		natType,
		publicAddr,
		relayServer,
		relayDelay,
	})
	table.Render()
}

// printList prints one line per known peer, annotated with how traffic to
// it currently flows: "(p2p delay:Nms)" once a DirectRoute's one-way delay
// has been measured, "(p2p)" for a fresh route with no delay sample yet,
// "(relay delay:Nms)" when falling back to the server with a measured
// ServerRtt, or bare "(relay)" otherwise. An empty peer set prints the
// literal "No other devices found" rather than an empty table.
func (s *Shell) printList() {
	snap := s.devices.Snapshot()
	if len(snap.Peers) == 0 {
		fmt.Fprintln(s.out, "No other devices found")
		return
	}

	routeSnap := s.routes.Snapshot()
	rtt := state.ServerRtt()

	for _, peer := range snap.Peers {
		route, hasRoute := routeSnap[routeKey(peer)]

		var annotation string
		switch {
		case hasRoute && route.DelayMs >= 0:
			annotation = fmt.Sprintf("(p2p delay:%dms)", route.DelayMs)
		case hasRoute:
			annotation = "(p2p)"
		case rtt >= 0:
			annotation = fmt.Sprintf("(relay delay:%dms)", rtt)
		default:
			annotation = "(relay)"
		}

		fmt.Fprintf(s.out, "%s %s\n", peer.String(), annotation)
	}
}

// routeKey mirrors the 4-byte-IP keying used by state's internal maps so
// the shell can cross-reference DeviceList peers against DirectRouteTable
// snapshots without exporting their internal key format.
func routeKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return string(v4)
	}
	return ip.String()
}
