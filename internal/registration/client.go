package registration

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/wire"
)

// ErrRejected is returned when the server replies but declines the lease
// (e.g. token unknown, address pool exhausted). It is not retried.
var ErrRejected = errors.New("registration: request rejected by server")

// ErrMalformedResponse is returned when the server replies but the payload
// doesn't decode as a RegistrationResponse. Not retried: a protocol
// mismatch won't resolve itself on a later attempt.
var ErrMalformedResponse = errors.New("registration: malformed response")

// ErrFailed is returned when every attempt's transport call failed (timeout
// or socket error) and the bounded attempt count was exhausted.
var ErrFailed = errors.New("registration: failed after exhausting attempts")

// Result is the lease obtained from a successful registration. Device and
// NatInfo are installed into the process-wide state cells by Register;
// Devices is returned separately so the caller can Swap it into its own
// *state.DeviceList instance.
type Result struct {
	Response wire.RegistrationResponse
	Devices  state.DeviceListSnapshot
}

// Register performs the registration handshake, retrying transport failures
// with exponential backoff until cfg.MaxAttempts attempts have been made,
// cfg.Backoff.MaxElapsed passes, or ctx expires, whichever comes first. A
// well-formed error reply (wire.ErrorMessage) is treated as permanent and
// returned immediately as ErrRejected.
func Register(cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	cfg.Logger = cfg.Logger.With("session_id", sessionID)

	req := wire.RegistrationRequest{
		Token:             cfg.Token,
		MAC:               cfg.MAC,
		LocalIPCandidates: make([]uint32, 0, len(cfg.LocalIPs)),
	}
	for _, ip := range cfg.LocalIPs {
		req.LocalIPCandidates = append(req.LocalIPCandidates, wire.IPv4ToU32(ip))
	}
	payload := req.Marshal()

	var result *Result
	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(cfg.Context, cfg.Timeout)
		defer cancel()

		raw, err := cfg.Sender.SendRequest(ctx, payload)
		if err != nil {
			cfg.Logger.Warn("registration: attempt failed", "attempt", attempt, "error", err)
			return err
		}

		if errMsg, ok := decodeErrorMessage(raw); ok {
			cfg.Logger.Error("registration: rejected", "reason", errMsg.Reason)
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, errMsg.Reason))
		}

		resp, err := wire.UnmarshalRegistrationResponse(raw)
		if err != nil {
			cfg.Logger.Error("registration: malformed reply", "attempt", attempt, "error", err)
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		}
		result = &Result{Response: resp}
		return nil
	}

	if err := backoff.Retry(op, cfg.newBackOff()); err != nil {
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrMalformedResponse) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}

	result.Devices = applyResult(cfg, sessionID, result.Response)
	cfg.Logger.Info("registration: lease acquired",
		"virtual_ip", wire.U32ToIP4(result.Response.VirtualIP),
		"epoch", result.Response.Epoch)
	return result, nil
}

// decodeErrorMessage tries to parse raw as a control-plane ErrorMessage. It
// returns ok=false for anything that doesn't decode cleanly, since on the
// wire an ErrorMessage and a RegistrationResponse share no discriminant
// beyond their tag layout.
func decodeErrorMessage(raw []byte) (wire.ErrorMessage, bool) {
	msg, err := wire.UnmarshalErrorMessage(raw)
	if err != nil {
		return wire.ErrorMessage{}, false
	}
	return msg, msg.Reason != ""
}

// applyResult installs the obtained lease and NAT classification into shared
// process state, matching spec §3's CurrentDevice/NatInfo cells, and returns
// the peer snapshot for the caller to apply to its own DeviceList.
func applyResult(cfg Config, sessionID string, resp wire.RegistrationResponse) state.DeviceListSnapshot {
	state.SetCurrentDevice(state.CurrentDevice{
		VirtualIP:      wire.U32ToIP4(resp.VirtualIP),
		VirtualGateway: wire.U32ToIP4(resp.VirtualGW),
		VirtualNetmask: wire.U32ToIP4(resp.VirtualNet),
		ServerAddr:     cfg.ServerAddr,
		SessionID:      sessionID,
	})

	natType := wire.NatUnknown
	switch {
	case resp.PublicIP != 0 && len(cfg.LocalIPs) > 0 && wire.IPv4ToU32(cfg.LocalIPs[0]) == resp.PublicIP:
		natType = wire.NatCone
	case resp.PublicIP != 0:
		natType = wire.NatSymmetric
	}
	state.SetLocalNatInfo(state.NatInfo{
		Type:       natType,
		PublicIP:   wire.U32ToIP4(resp.PublicIP),
		PublicPort: resp.PublicPort,
		LocalAddrs: cfg.LocalIPs,
	})

	peers := make([]net.IP, 0, len(resp.VirtualIPList))
	for _, u := range resp.VirtualIPList {
		peers = append(peers, wire.U32ToIP4(u))
	}
	return state.DeviceListSnapshot{Epoch: resp.Epoch, Peers: peers}
}
