package transport

import (
	"context"
	"sync"

	"github.com/relves/kerilog/pkg/types"
)

// Loopback is an in-process Network that dispatches to registered peers by
// URL. Unregistered or disabled URLs fail with ErrUnreachable.
type Loopback struct {
	mu       sync.RWMutex
	peers    map[string]Peer
	disabled map[string]bool
}

// NewLoopback creates an empty Loopback.
func NewLoopback() *Loopback {
	return &Loopback{
		peers:    make(map[string]Peer),
		disabled: make(map[string]bool),
	}
}

// Register serves peer at url.
func (l *Loopback) Register(url string, peer Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[url] = peer
}

// SetDown marks url unreachable, or reachable again.
func (l *Loopback) SetDown(url string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled[url] = down
}

func (l *Loopback) peer(loc types.LocationScheme, op string) (Peer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.peers[loc.URL]
	if !ok || l.disabled[loc.URL] {
		return nil, &PeerError{Peer: loc.EID, Op: op, Err: ErrUnreachable}
	}
	return p, nil
}

// Send implements Network.
func (l *Loopback) Send(ctx context.Context, loc types.LocationScheme, msgs ...types.Message) error {
	p, err := l.peer(loc, "send")
	if err != nil {
		return err
	}
	if err := p.Process(ctx, msgs); err != nil {
		return &PeerError{Peer: loc.EID, Op: "send", Err: err}
	}
	return nil
}

// Poll implements Network.
func (l *Loopback) Poll(ctx context.Context, loc types.LocationScheme, q types.SignedQuery) ([]types.Envelope, error) {
	p, err := l.peer(loc, "poll")
	if err != nil {
		return nil, err
	}
	envs, err := p.Query(ctx, q)
	if err != nil {
		return nil, &PeerError{Peer: loc.EID, Op: "poll", Err: err}
	}
	return envs, nil
}

// Introduce implements Network.
func (l *Loopback) Introduce(ctx context.Context, loc types.LocationScheme, role types.Role) (types.OOBIRecord, error) {
	p, err := l.peer(loc, "introduce")
	if err != nil {
		return types.OOBIRecord{}, err
	}
	rec, err := p.Introduce(ctx, loc.EID, role)
	if err != nil {
		return types.OOBIRecord{}, &PeerError{Peer: loc.EID, Op: "introduce", Err: err}
	}
	return rec, nil
}
