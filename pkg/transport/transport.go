// Package transport moves messages between a controller and the endpoints
// that serve it: witnesses, watchers and messageboxes.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/relves/kerilog/pkg/types"
)

// ErrUnreachable is returned when no endpoint answers at a location.
var ErrUnreachable = errors.New("endpoint unreachable")

// Peer is the server side of an endpoint.
type Peer interface {
	// Process accepts a batch of signed messages: key events, TEL events,
	// replies and exchanges.
	Process(ctx context.Context, msgs []types.Message) error
	// Query answers a signed query with queued or stored envelopes.
	Query(ctx context.Context, q types.SignedQuery) ([]types.Envelope, error)
	// Introduce returns the OOBI record for eid in role.
	Introduce(ctx context.Context, eid string, role types.Role) (types.OOBIRecord, error)
}

// Network is the client side, addressing endpoints by location.
type Network interface {
	Send(ctx context.Context, loc types.LocationScheme, msgs ...types.Message) error
	Poll(ctx context.Context, loc types.LocationScheme, q types.SignedQuery) ([]types.Envelope, error)
	Introduce(ctx context.Context, loc types.LocationScheme, role types.Role) (types.OOBIRecord, error)
}

// PeerError records a failed operation against one endpoint.
type PeerError struct {
	Peer string
	Op   string
	Err  error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

// IsPeerError reports whether err carries a PeerError.
func IsPeerError(err error) bool {
	var pe *PeerError
	return errors.As(err, &pe)
}
