package witness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/relves/kerilog/internal/storage"
	"github.com/relves/kerilog/internal/storage/mailbox"
	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/tel"
	"github.com/relves/kerilog/pkg/transport"
	"github.com/relves/kerilog/pkg/types"
)

var (
	// ErrUnauthorized is returned for queries and messages whose signer is
	// not entitled to them.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when the node has nothing to introduce.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported is returned for message kinds or routes the node does
	// not handle.
	ErrUnsupported = errors.New("unsupported")
)

// NodeStore is what a node persists besides key events.
type NodeStore interface {
	storage.ReceiptStore
	storage.DiscoveryStore
}

// NodeConfig configures a Node.
type NodeConfig struct {
	// Signer is the node's own identity; its did:key is the node's EID.
	Signer Signer
	// URL is where the node is reachable.
	URL     string
	KEL     *kel.Database
	Store   NodeStore
	Mailbox *mailbox.Mailbox
	// TEL holds registries received from issuers. Optional; without it TEL
	// messages and queries are unsupported.
	TEL *tel.Manager
	// Roles the node serves for controllers. Defaults to witness and
	// messagebox.
	Roles  []types.Role
	Logger *slog.Logger
}

// Node is an endpoint that witnesses key events, relays exchanges to
// recipients that named it their messagebox, and answers queries.
type Node struct {
	signer  Signer
	loc     types.LocationScheme
	kel     *kel.Database
	store   NodeStore
	mailbox *mailbox.Mailbox
	tel     *tel.Manager
	roles   []types.Role
	logger  *slog.Logger
}

var _ transport.Peer = (*Node)(nil)

// NewNode creates a Node.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("Signer is required")
	}
	if cfg.KEL == nil {
		return nil, fmt.Errorf("KEL is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = mailbox.New(nil)
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = []types.Role{types.RoleWitness, types.RoleMessagebox}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	loc := types.LocationScheme{EID: cfg.Signer.PublicKey(), Scheme: types.SchemeHTTP, URL: cfg.URL}
	if strings.HasPrefix(cfg.URL, "https:") {
		loc.Scheme = types.SchemeHTTPS
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return &Node{
		signer:  cfg.Signer,
		loc:     loc,
		kel:     cfg.KEL,
		store:   cfg.Store,
		mailbox: cfg.Mailbox,
		tel:     cfg.TEL,
		roles:   cfg.Roles,
		logger:  cfg.Logger.With("node", loc.EID),
	}, nil
}

// EID returns the node's identity.
func (n *Node) EID() string {
	return n.loc.EID
}

// Location returns the node's location scheme.
func (n *Node) Location() types.LocationScheme {
	return n.loc
}

// Process implements transport.Peer. Messages are handled in order; a
// failure does not stop the rest of the batch.
func (n *Node) Process(ctx context.Context, msgs []types.Message) error {
	var errs []error
	for _, msg := range msgs {
		if err := n.process(ctx, msg); err != nil {
			n.logger.Warn("message rejected", "kind", msg.Kind, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) process(ctx context.Context, msg types.Message) error {
	switch msg.Kind {
	case types.KindKel:
		var se types.SignedEvent
		if err := msg.Decode(&se); err != nil {
			return err
		}
		return n.processEvent(ctx, se)
	case types.KindTel:
		var ae types.AnchoredTelEvent
		if err := msg.Decode(&ae); err != nil {
			return err
		}
		if n.tel == nil {
			return fmt.Errorf("%w: tel events", ErrUnsupported)
		}
		return n.tel.Ingest(ctx, []types.AnchoredTelEvent{ae})
	case types.KindReply:
		var sr types.SignedReply
		if err := msg.Decode(&sr); err != nil {
			return err
		}
		return n.processReply(ctx, sr)
	case types.KindExchange:
		var se types.SignedExchange
		if err := msg.Decode(&se); err != nil {
			return err
		}
		return n.processExchange(ctx, se, msg)
	}
	return fmt.Errorf("%w: message kind %q", ErrUnsupported, msg.Kind)
}

// processEvent accepts a key event and, when it is the tip of a log this
// node witnesses, queues a receipt in the controller's mailbox.
func (n *Node) processEvent(ctx context.Context, se types.SignedEvent) error {
	_, err := n.kel.Append(ctx, se)
	if err != nil && !errors.Is(err, kel.ErrDuplicate) {
		return fmt.Errorf("event %s sn %d: %w", se.Event.Prefix, se.Event.Sn, err)
	}
	st, err := n.kel.State(ctx, se.Event.Prefix)
	if err != nil {
		return err
	}
	if st.Sn != se.Event.Sn || !slices.Contains(st.Witnesses, n.loc.EID) {
		return nil
	}

	r, err := SignReceipt(n.signer, st.Prefix, st.Sn, st.Digest)
	if err != nil {
		return err
	}
	if err := n.store.AddReceipt(ctx, r); err != nil {
		return fmt.Errorf("store receipt: %w", err)
	}
	msg, err := types.NewMessage(types.KindReceipt, r)
	if err != nil {
		return err
	}
	idx, err := n.mailbox.Append(ctx, st.Prefix, types.TopicReceipt, msg)
	if err != nil {
		return err
	}
	n.logger.Info("event receipted", "prefix", st.Prefix, "sn", st.Sn, "mailbox_index", idx)
	return nil
}

// signedByController checks that signer is a current key of prefix.
func (n *Node) signedByController(ctx context.Context, prefix, signer string) error {
	st, err := n.kel.State(ctx, prefix)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !slices.Contains(st.Keys, signer) {
		return fmt.Errorf("%w: %s is not a current key of %s", ErrUnauthorized, signer, prefix)
	}
	return nil
}

func (n *Node) processReply(ctx context.Context, sr types.SignedReply) error {
	if err := signing.VerifyReply(sr); err != nil {
		return err
	}
	if sr.Reply.Route != types.RouteEndRoleAdd && sr.Reply.Route != types.RouteEndRoleCut {
		return fmt.Errorf("%w: reply route %q", ErrUnsupported, sr.Reply.Route)
	}
	if _, err := types.ParseRole(string(sr.Reply.EndRole.Role)); err != nil {
		return err
	}
	if err := n.signedByController(ctx, sr.Reply.EndRole.CID, sr.Signer); err != nil {
		return err
	}
	if err := n.store.PutEndRole(ctx, sr); err != nil {
		return fmt.Errorf("store end role: %w", err)
	}
	n.logger.Info("end role recorded", "route", sr.Reply.Route, "cid", sr.Reply.EndRole.CID,
		"eid", sr.Reply.EndRole.EID, "role", sr.Reply.EndRole.Role)
	return nil
}

// processExchange queues an exchange for its recipient, provided the
// recipient named this node its messagebox and the sender's log is known
// here and lists the signing key as current.
func (n *Node) processExchange(ctx context.Context, se types.SignedExchange, msg types.Message) error {
	if err := signing.VerifyExchange(se); err != nil {
		return err
	}
	if err := n.signedByController(ctx, se.Exchange.Sender, se.Signer); err != nil {
		return err
	}
	if _, ok, err := n.endRole(ctx, se.Exchange.Recipient, types.RoleMessagebox); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s has not named this node its messagebox", ErrUnauthorized, se.Exchange.Recipient)
	}

	idx, err := n.mailbox.Append(ctx, se.Exchange.Recipient, types.TopicCredential, msg)
	if err != nil {
		return err
	}
	n.logger.Info("exchange queued", "id", se.Exchange.ID, "recipient", se.Exchange.Recipient, "mailbox_index", idx)
	return nil
}

// endRole returns the authorization naming this node in role for cid.
func (n *Node) endRole(ctx context.Context, cid string, role types.Role) (types.SignedReply, bool, error) {
	roles, err := n.store.GetEndRoles(ctx, cid, role)
	if errors.Is(err, storage.ErrNotFound) {
		return types.SignedReply{}, false, nil
	}
	if err != nil {
		return types.SignedReply{}, false, err
	}
	for _, sr := range roles {
		if sr.Reply.EndRole.EID == n.loc.EID {
			return sr, true, nil
		}
	}
	return types.SignedReply{}, false, nil
}

// Query implements transport.Peer. The query must be signed by a current
// key of the requester, whose key event log the node must hold.
func (n *Node) Query(ctx context.Context, sq types.SignedQuery) ([]types.Envelope, error) {
	if err := signing.VerifyQuery(sq); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	q := sq.Query
	if q.Target != "" && q.Target != n.loc.EID {
		return nil, fmt.Errorf("%w: query addressed to %s", types.ErrMalformed, q.Target)
	}
	if err := n.signedByController(ctx, q.Prefix, sq.Signer); err != nil {
		return nil, err
	}

	switch q.Route {
	case types.QueryMailbox:
		topic := q.Topic
		if topic == "" {
			topic = types.TopicReceipt
		}
		return n.mailbox.Since(ctx, q.Prefix, topic, q.Cursor)
	case types.QueryLog:
		return n.queryLog(ctx, q)
	case types.QueryTel:
		return n.queryTel(ctx, q)
	}
	return nil, fmt.Errorf("%w: query route %q", ErrUnsupported, q.Route)
}

func (n *Node) queryLog(ctx context.Context, q types.Query) ([]types.Envelope, error) {
	subject := q.Subject
	if subject == "" {
		subject = q.Prefix
	}
	events, err := n.kel.Events(ctx, subject, q.Cursor)
	if err != nil {
		return nil, err
	}
	out := make([]types.Envelope, 0, len(events))
	for _, se := range events {
		msg, err := types.NewMessage(types.KindKel, se)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Envelope{Topic: string(types.QueryLog), Index: se.Event.Sn, Message: msg})
	}
	return out, nil
}

func (n *Node) queryTel(ctx context.Context, q types.Query) ([]types.Envelope, error) {
	if n.tel == nil {
		return nil, fmt.Errorf("%w: tel queries", ErrUnsupported)
	}
	events, err := n.tel.Events(ctx, q.Registry)
	if err != nil {
		return nil, err
	}
	var out []types.Envelope
	for i, ae := range events {
		if uint64(i) < q.Cursor {
			continue
		}
		if q.Subject != "" && ae.Event.Type != types.RegistryInception && ae.Event.Prefix != q.Subject {
			continue
		}
		msg, err := types.NewMessage(types.KindTel, ae)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Envelope{Topic: string(types.QueryTel), Index: uint64(i), Message: msg})
	}
	return out, nil
}

// Introduce implements transport.Peer. Asked about itself, the node returns
// its location. Asked about a controller, it returns its location together
// with the controller's authorization naming it in role.
func (n *Node) Introduce(ctx context.Context, eid string, role types.Role) (types.OOBIRecord, error) {
	if !slices.Contains(n.roles, role) {
		return types.OOBIRecord{}, fmt.Errorf("%w: role %s", ErrNotFound, role)
	}
	if eid == n.loc.EID {
		return types.OOBIRecord{Location: n.loc}, nil
	}
	sr, ok, err := n.endRole(ctx, eid, role)
	if err != nil {
		return types.OOBIRecord{}, err
	}
	if !ok {
		return types.OOBIRecord{}, fmt.Errorf("%w: %s has no %s here", ErrNotFound, eid, role)
	}
	return types.OOBIRecord{Location: n.loc, EndRole: &sr}, nil
}
