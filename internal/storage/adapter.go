package storage

import (
	"context"
	"errors"

	"github.com/relves/kerilog/pkg/types"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// KeyEventStore persists key event logs.
type KeyEventStore interface {
	AppendEvent(ctx context.Context, se *types.SignedEvent) error
	// GetEvents returns the events of prefix in sequence order, or
	// ErrNotFound if none are stored.
	GetEvents(ctx context.Context, prefix string) ([]types.SignedEvent, error)
	ListPrefixes(ctx context.Context) ([]string, error)

	// Tree state over the event digests of one log.
	GetTreeState(ctx context.Context, prefix string) (size uint64, root []byte, err error)
	SetTreeState(ctx context.Context, prefix string, size uint64, root []byte) error
}

// ReceiptStore persists witness receipts. Receipts are only ever added.
type ReceiptStore interface {
	AddReceipt(ctx context.Context, r types.Receipt) error
	GetReceipts(ctx context.Context, prefix string, sn uint64) ([]types.Receipt, error)
}

// TelStore persists accepted transaction events.
type TelStore interface {
	AppendTelEvent(ctx context.Context, ev *types.AnchoredTelEvent) error
	GetTelEvents(ctx context.Context, registry string) ([]types.AnchoredTelEvent, error)
	ListRegistries(ctx context.Context) ([]string, error)
	// GetTelState returns the state recorded by the latest accepted event
	// for a credential, or CredentialUnknown.
	GetTelState(ctx context.Context, credential string) (types.CredentialState, error)
}

// DiscoveryStore persists resolved locations and end role authorizations.
type DiscoveryStore interface {
	PutLocation(ctx context.Context, role types.Role, loc types.LocationScheme) error
	GetLocation(ctx context.Context, eid string, role types.Role) (types.LocationScheme, error)
	PutEndRole(ctx context.Context, reply types.SignedReply) error
	GetEndRoles(ctx context.Context, cid string, role types.Role) ([]types.SignedReply, error)
}

// CursorStore tracks how far a controller has read a peer's mailbox topic.
type CursorStore interface {
	GetCursor(ctx context.Context, prefix, peer, topic string) (uint64, error)
	SetCursor(ctx context.Context, prefix, peer, topic string, cursor uint64) error
}

// IdentityRecord binds a local alias to an identifier and its registry.
type IdentityRecord struct {
	Alias    string
	Prefix   string
	Registry string
}

// IdentityStore persists local aliases.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, alias, prefix string) error
	GetIdentity(ctx context.Context, alias string) (*IdentityRecord, error)
	SetRegistry(ctx context.Context, alias, registry string) error
}

// StateStore is everything a node persists.
type StateStore interface {
	KeyEventStore
	ReceiptStore
	TelStore
	DiscoveryStore
	CursorStore
	IdentityStore
}
