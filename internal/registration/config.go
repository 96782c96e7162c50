// Package registration implements the one-shot registration handshake that
// obtains a virtual address lease from the rendezvous server, following the
// Config+Validate dependency-injection shape the rest of this codebase uses
// for its long-running workers.
package registration

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig controls exponential backoff between registration attempts.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
	Multiplier float64
}

var defaultBackoff = BackoffConfig{
	Initial:    500 * time.Millisecond,
	Max:        10 * time.Second,
	MaxElapsed: 2 * time.Minute,
	Multiplier: 2.0,
}

// Sender is the minimal transport the client needs: send a request frame to
// the server and wait for one reply frame or ctx expiry. internal/mux
// supplies the production implementation; tests use a fake.
type Sender interface {
	SendRequest(ctx context.Context, payload []byte) ([]byte, error)
}

// Config provides all dependencies and tunables for a registration attempt.
type Config struct {
	Logger     *slog.Logger    // destination for logs
	Context    context.Context // root context for the attempt
	Sender     Sender          // request/response transport
	ServerAddr *net.UDPAddr    // rendezvous server address, recorded into CurrentDevice
	Token      [32]byte        // shared overlay token
	MAC        string          // local interface MAC, reported for diagnostics
	Backoff    BackoffConfig   // retry policy; defaulted if zero
	Timeout    time.Duration   // per-attempt deadline
	MaxAttempts int            // bounded attempt count; spec default is 3
	LocalIPs   []net.IP        // local candidate addresses to offer the server
}

// Validate checks required fields and applies defaults.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("registration: logger is required")
	}
	if cfg.Context == nil {
		return errors.New("registration: context is required")
	}
	if cfg.Sender == nil {
		return errors.New("registration: sender is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = defaultBackoff
	}
	return nil
}

func (cfg *Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.Backoff.Initial),
		backoff.WithMaxInterval(cfg.Backoff.Max),
		backoff.WithMaxElapsedTime(cfg.Backoff.MaxElapsed),
		backoff.WithMultiplier(cfg.Backoff.Multiplier),
	)
	bounded := backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
	return backoff.WithContext(bounded, cfg.Context)
}
