package probe

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/gorcon/rcon"
	"github.com/payperplay/autopower/internal/models"
	"github.com/payperplay/autopower/pkg/logger"
)

var (
	colorCodes     = regexp.MustCompile(`§.`)
	playersOfMax   = regexp.MustCompile(`There are (\d+) of a max (?:of )?(\d+) players`)
	playersSlashed = regexp.MustCompile(`There are (\d+)/(\d+) players`)
)

// RCONProber treats a successful RCON "list" as reachable. The server only
// opens RCON once the world has loaded, so this is a stronger signal than
// an open game port.
type RCONProber struct {
	Timeout time.Duration
}

// Reachable runs "list" over RCON. Connection failures are "not yet".
func (p *RCONProber) Reachable(ctx context.Context, server models.ServerConfig) (bool, error) {
	if !server.HasRCON() {
		return false, ErrNoAddress
	}
	if _, err := p.list(ctx, server); err != nil {
		logger.Debug("RCON probe not ready", map[string]interface{}{
			"server": server.Name,
			"error":  err.Error(),
		})
		return false, nil
	}
	return true, nil
}

// PlayerCount returns the number of players currently online.
func (p *RCONProber) PlayerCount(ctx context.Context, server models.ServerConfig) (int, error) {
	if !server.HasRCON() {
		return 0, ErrNoAddress
	}
	response, err := p.list(ctx, server)
	if err != nil {
		return 0, err
	}
	current, _, ok := parsePlayerCount(response)
	if !ok {
		return 0, fmt.Errorf("failed to parse player count: %s", response)
	}
	return current, nil
}

func (p *RCONProber) list(ctx context.Context, server models.ServerConfig) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return "", context.DeadlineExceeded
	}

	conn, err := rcon.Dial(server.RCON.Address, server.RCON.Password,
		rcon.SetDialTimeout(timeout), rcon.SetDeadline(timeout))
	if err != nil {
		return "", fmt.Errorf("RCON connection failed: %w", err)
	}
	defer conn.Close()

	response, err := conn.Execute("list")
	if err != nil {
		return "", fmt.Errorf("list command failed: %w", err)
	}
	return response, nil
}

// parsePlayerCount extracts player counts from a "list" response, e.g.
// "There are 3 of a max of 20 players online:" or "There are 3/20 players online:".
func parsePlayerCount(response string) (current, max int, ok bool) {
	clean := colorCodes.ReplaceAllString(response, "")

	for _, re := range []*regexp.Regexp{playersOfMax, playersSlashed} {
		if m := re.FindStringSubmatch(clean); len(m) == 3 {
			current, _ = strconv.Atoi(m[1])
			max, _ = strconv.Atoi(m[2])
			return current, max, true
		}
	}
	return 0, 0, false
}
