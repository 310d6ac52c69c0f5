package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/projecteru2/corral/types"
)

var (
	// ErrUnreachable means the agent could not be queried at all.
	// Callers must not interpret this as "no active session".
	ErrUnreachable = errors.New("session probe unreachable")
	// ErrMalformed means the agent answered with an unparsable payload.
	ErrMalformed = errors.New("session probe payload malformed")
)

// sessionsPayload is the agent's wire format: positional arrays where
// index 1 is the username and index 3 the session state.
type sessionsPayload struct {
	Data [][]any `json:"data"`
}

// Client queries the in-guest agent for active remote-session state.
type Client struct {
	hc *http.Client
}

// New creates a Client. timeout bounds each probe request; pass the
// configured probe timeout.
func New(timeout time.Duration) *Client {
	return &Client{hc: &http.Client{Timeout: timeout}}
}

// Sessions queries http://{addr}:{agentPort}/sessions/{username} and
// parses the agent's session list. Network failures return
// ErrUnreachable, unparsable payloads ErrMalformed; both mean
// "unknown", never "inactive".
func (c *Client) Sessions(ctx context.Context, machine *types.Machine) ([]*types.Session, error) {
	endpoint := fmt.Sprintf("http://%s/sessions/%s",
		net.JoinHostPort(machine.Addr, strconv.Itoa(machine.AgentPort)),
		url.PathEscape(machine.Username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request for %s: %w", machine.ID, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnreachable, machine.Addr, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrUnreachable, machine.Addr, resp.StatusCode)
	}

	var payload sessionsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrMalformed, machine.Addr, err)
	}

	sessions := make([]*types.Session, 0, len(payload.Data))
	for i, row := range payload.Data {
		if len(row) < 4 {
			return nil, fmt.Errorf("%w: %s: row %d has %d fields", ErrMalformed, machine.Addr, i, len(row))
		}
		username, ok := row[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: row %d username not a string", ErrMalformed, machine.Addr, i)
		}
		state, ok := row[3].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: row %d state not a string", ErrMalformed, machine.Addr, i)
		}
		sessions = append(sessions, &types.Session{
			ID:       fmt.Sprint(row[0]),
			Username: username,
			State:    state,
			UserID:   machine.UserID,
		})
	}
	return sessions, nil
}
