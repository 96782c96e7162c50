//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/overlaynet/switchd/internal/runtime"
	"github.com/overlaynet/switchd/internal/wire"
)

var (
	serverAddr           = flag.String("server", "", "rendezvous server address (host:port)")
	bindAddr             = flag.String("bind", "", "local address to bind the overlay socket to")
	bindPort             = flag.Int("bind-port", 0, "local UDP port to bind (0 picks an ephemeral port)")
	tunName              = flag.String("tun", "switch0", "name of the local tunnel device")
	clientIP             = flag.String("client-ip", "", "override public IP auto-discovery")
	enableVerboseLogging = flag.Bool("v", false, "enable debug logging")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
)

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: switchd [flags] <token>")
		os.Exit(1)
	}
	token, err := parseToken(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "switchd:", err)
		os.Exit(1)
	}

	if err := requireRoot(); err != nil {
		fmt.Fprintln(os.Stderr, "switchd:", err)
		os.Exit(1)
	}

	logFile, err := openLogFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "switchd: opening log file:", err)
		os.Exit(1)
	}
	defer logFile.Close()

	level := slog.LevelInfo
	if *enableVerboseLogging {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("switchd starting", "version", version, "commit", commit)

	if *serverAddr == "" {
		logger.Error("-server is required")
		os.Exit(1)
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", *serverAddr)
	if err != nil {
		logger.Error("invalid -server address", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := runtime.Config{
		Logger:     logger,
		Token:      token,
		BindAddr:   *bindAddr,
		BindPort:   *bindPort,
		ServerAddr: udpAddr,
		ClientIP:   *clientIP,
		TunName:    *tunName,
	}
	if err := runtime.Run(ctx, cfg); err != nil {
		logger.Error("switchd exiting", "error", err)
		// spec §7 "User-visible behavior": a terminating worker prints a
		// Chinese-language diagnostic plus the error detail before exiting;
		// the full trace still lands in the log file via logger.Error above.
		fmt.Fprintf(os.Stderr, "工作线程已停止: %v\n", err)
		os.Exit(1)
	}
}

// parseToken validates the required 32-character shared overlay token.
func parseToken(s string) ([wire.TokenLen]byte, error) {
	var tok [wire.TokenLen]byte
	if len(s) != wire.TokenLen {
		return tok, fmt.Errorf("token must be exactly %d characters, got %d", wire.TokenLen, len(s))
	}
	copy(tok[:], s)
	return tok, nil
}

// requireRoot checks for root, grounded on the teacher's uping privilege
// check (os.Geteuid() == 0). Unlike that check, which only verifies and
// fails, this one self-re-elevates: it re-execs itself under sudo so the
// tunnel device can be created, then exits once the elevated process
// finishes, matching spec's "Environment" requirement that the client runs
// as root and self-elevates when it isn't already.
func requireRoot() error {
	if os.Geteuid() == 0 {
		return nil
	}
	sudoPath, err := exec.LookPath("sudo")
	if err != nil {
		return fmt.Errorf("not running as root and sudo is unavailable to self-elevate: %w", err)
	}
	argv := append([]string{sudoPath, os.Args[0]}, os.Args[1:]...)
	return unix.Exec(sudoPath, argv, os.Environ())
}

// openLogFile opens (creating if needed) the rolling-text log at
// $HOME/.switch/switch.log, appending across restarts.
func openLogFile() (*os.File, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(home, ".switch")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "switch.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}
