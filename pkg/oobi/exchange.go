package oobi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
)

// ExchangeConfig configures an Exchange.
type ExchangeConfig struct {
	Network  transport.Network
	Resolver *Resolver
	// Prefix is the local identifier; Signer signs as one of its current keys.
	Prefix string
	Signer signing.Identity
	Logger *slog.Logger
}

// Exchange sends and pulls signed exchange messages through messageboxes.
type Exchange struct {
	net      transport.Network
	resolver *Resolver
	prefix   string
	signer   signing.Identity
	logger   *slog.Logger
}

// NewExchange creates an Exchange.
func NewExchange(cfg ExchangeConfig) (*Exchange, error) {
	if cfg.Network == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("Network and Resolver are required")
	}
	if cfg.Prefix == "" || cfg.Signer == nil {
		return nil, fmt.Errorf("Prefix and Signer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exchange{
		net:      cfg.Network,
		resolver: cfg.Resolver,
		prefix:   cfg.Prefix,
		signer:   cfg.Signer,
		logger:   cfg.Logger,
	}, nil
}

// Forward wraps cred in a signed exchange and deposits it at the recipient's
// resolved messagebox.
func (x *Exchange) Forward(ctx context.Context, cred *types.Credential, recipient string) (types.SignedExchange, error) {
	if err := cred.VerifyDigest(); err != nil {
		return types.SignedExchange{}, err
	}
	payload, err := cred.Serialize()
	if err != nil {
		return types.SignedExchange{}, err
	}
	loc, err := x.resolver.Locate(ctx, recipient, types.RoleMessagebox)
	if err != nil {
		return types.SignedExchange{}, err
	}

	se, err := signing.SignExchange(x.signer, types.Exchange{
		ID:        uuid.NewString(),
		Route:     types.RouteForward,
		Sender:    x.prefix,
		Recipient: recipient,
		Date:      time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return types.SignedExchange{}, err
	}
	msg, err := types.NewMessage(types.KindExchange, se)
	if err != nil {
		return types.SignedExchange{}, err
	}
	if err := x.net.Send(ctx, loc, msg); err != nil {
		return types.SignedExchange{}, err
	}
	x.logger.Info("credential forwarded", "credential", cred.Digest, "recipient", recipient, "messagebox", loc.EID)
	return se, nil
}

// QueryBySequence pulls the exchanges queued for recipient at its
// messagebox from index from onward. The local identifier must be the
// recipient.
func (x *Exchange) QueryBySequence(ctx context.Context, recipient string, from uint64) ([]types.Envelope, error) {
	return x.Pull(ctx, recipient, types.TopicCredential, from)
}

// Pull reads one topic of recipient's messagebox from index from onward.
func (x *Exchange) Pull(ctx context.Context, recipient, topic string, from uint64) ([]types.Envelope, error) {
	loc, err := x.resolver.Locate(ctx, recipient, types.RoleMessagebox)
	if err != nil {
		return nil, err
	}
	sq, err := signing.SignQuery(x.signer, types.Query{
		ID:     uuid.NewString(),
		Route:  types.QueryMailbox,
		Prefix: recipient,
		Target: loc.EID,
		Topic:  topic,
		Cursor: from,
		Date:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return x.net.Poll(ctx, loc, sq)
}

// Credentials extracts and checks the credentials forwarded in envs.
// Envelopes that are not valid forwarded credentials are skipped.
func (x *Exchange) Credentials(envs []types.Envelope) []types.Credential {
	var out []types.Credential
	for _, env := range envs {
		cred, err := OpenForward(env.Message)
		if err != nil {
			x.logger.Warn("skipping envelope", "index", env.Index, "error", err)
			continue
		}
		out = append(out, *cred)
	}
	return out
}

// OpenForward verifies a forwarded exchange message and returns the
// credential it carries.
func OpenForward(msg types.Message) (*types.Credential, error) {
	if msg.Kind != types.KindExchange {
		return nil, fmt.Errorf("%w: %s is not an exchange", types.ErrMalformed, msg.Kind)
	}
	var se types.SignedExchange
	if err := msg.Decode(&se); err != nil {
		return nil, err
	}
	if err := signing.VerifyExchange(se); err != nil {
		return nil, err
	}
	if se.Exchange.Route != types.RouteForward {
		return nil, fmt.Errorf("%w: exchange route %q", types.ErrMalformed, se.Exchange.Route)
	}
	var cred types.Credential
	if err := cred.Deserialize(se.Exchange.Payload); err != nil {
		return nil, err
	}
	if err := cred.VerifyDigest(); err != nil {
		return nil, err
	}
	return &cred, nil
}
