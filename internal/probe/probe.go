// Package probe answers "is this backend accepting players yet?" by
// contacting the game server directly rather than asking the panel.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/payperplay/autopower/internal/models"
)

// ErrNoAddress is returned for servers without a probe address
var ErrNoAddress = errors.New("server has no probe address configured")

// Prober checks whether a server is reachable
type Prober interface {
	Reachable(ctx context.Context, server models.ServerConfig) (bool, error)
}

// TCPProber treats an accepted TCP connection as reachable
type TCPProber struct {
	Timeout time.Duration
}

// Reachable dials the server address. A refused or timed out connection
// means "not yet" and is reported as (false, nil).
func (p TCPProber) Reachable(ctx context.Context, server models.ServerConfig) (bool, error) {
	if server.Address == "" {
		return false, ErrNoAddress
	}

	dialer := net.Dialer{Timeout: p.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", server.Address)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to dial %s: %w", server.Address, err)
	}
	_ = conn.Close()
	return true, nil
}

func (p TCPProber) timeout() time.Duration {
	if p.Timeout <= 0 {
		return 3 * time.Second
	}
	return p.Timeout
}

// Auto uses RCON for servers that configure it and TCP for the rest
type Auto struct {
	TCP  Prober
	RCON Prober
}

// NewAuto builds the default prober with a shared timeout
func NewAuto(timeout time.Duration) *Auto {
	return &Auto{
		TCP:  TCPProber{Timeout: timeout},
		RCON: &RCONProber{Timeout: timeout},
	}
}

func (a *Auto) Reachable(ctx context.Context, server models.ServerConfig) (bool, error) {
	if server.HasRCON() && a.RCON != nil {
		return a.RCON.Reachable(ctx, server)
	}
	return a.TCP.Reachable(ctx, server)
}
