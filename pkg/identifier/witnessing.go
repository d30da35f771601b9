package identifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/relves/kerilog/pkg/kel"
	"github.com/relves/kerilog/pkg/signing"
	"github.com/relves/kerilog/pkg/types"
	"github.com/relves/kerilog/pkg/witness"
)

// Witnesses returns the locations of the current witnesses.
func (id *Identifier) Witnesses(ctx context.Context) ([]types.LocationScheme, error) {
	st, err := id.db.State(ctx, id.prefix)
	if err != nil {
		return nil, err
	}
	locs := make([]types.LocationScheme, 0, len(st.Witnesses))
	for _, eid := range st.Witnesses {
		loc, err := id.resolver.Locate(ctx, eid, types.RoleWitness)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func (id *Identifier) kelMessages(ctx context.Context) ([]types.Message, error) {
	events, err := id.db.Events(ctx, id.prefix, 0)
	if err != nil {
		return nil, err
	}
	msgs := make([]types.Message, 0, len(events))
	for _, se := range events {
		m, err := types.NewMessage(types.KindKel, se)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// NotifyWitnesses sends the whole key event log to every current witness.
// Per-witness failures are in the report; the error covers only failures
// to prepare the messages.
func (id *Identifier) NotifyWitnesses(ctx context.Context) (*witness.NotifyReport, error) {
	locs, err := id.Witnesses(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := id.kelMessages(ctx)
	if err != nil {
		return nil, err
	}
	return id.notifier.Notify(ctx, msgs, locs), nil
}

// PublishTEL sends the registry log to every current witness so that
// verifiers can query it there.
func (id *Identifier) PublishTEL(ctx context.Context) (*witness.NotifyReport, error) {
	reg := id.Registry()
	if reg == "" {
		return nil, ErrNoRegistry
	}
	locs, err := id.Witnesses(ctx)
	if err != nil {
		return nil, err
	}
	events, err := id.tel.Events(ctx, reg)
	if err != nil {
		return nil, err
	}
	msgs := make([]types.Message, 0, len(events))
	for _, ae := range events {
		m, err := types.NewMessage(types.KindTel, ae)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return id.notifier.Notify(ctx, msgs, locs), nil
}

// CollectReceipts polls the witnesses' mailboxes until the tip event has
// enough receipts.
func (id *Identifier) CollectReceipts(ctx context.Context) (*witness.ReceiptSet, error) {
	st, err := id.db.State(ctx, id.prefix)
	if err != nil {
		return nil, err
	}
	locs, err := id.Witnesses(ctx)
	if err != nil {
		return nil, err
	}
	return id.collector.Collect(ctx, witness.CollectRequest{
		Prefix:    id.prefix,
		Sn:        st.Sn,
		Digest:    st.Digest,
		Witnesses: locs,
		Threshold: st.WitnessThreshold,
		Signer:    id.Keys(),
	})
}

// Witness notifies the witnesses and collects receipts for the tip.
func (id *Identifier) Witness(ctx context.Context) (*witness.ReceiptSet, error) {
	report, err := id.NotifyWitnesses(ctx)
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		id.logger.Warn("some witnesses were not notified", "error", err)
	}
	return id.CollectReceipts(ctx)
}

// poll asks each endpoint in turn until one answers.
func (id *Identifier) poll(ctx context.Context, via []types.LocationScheme, q types.Query) ([]types.Envelope, error) {
	if len(via) == 0 {
		locs, err := id.Witnesses(ctx)
		if err != nil {
			return nil, err
		}
		via = locs
	}
	if len(via) == 0 {
		return nil, fmt.Errorf("no endpoint to query")
	}

	var errs []error
	for _, loc := range via {
		q.ID = uuid.NewString()
		q.Prefix = id.prefix
		q.Target = loc.EID
		q.Date = id.timestamp()
		sq, err := signing.SignQuery(id.Keys(), q)
		if err != nil {
			return nil, err
		}
		envs, err := id.net.Poll(ctx, loc, sq)
		if err == nil {
			return envs, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// QueryKEL fetches the key event log of subject from the given endpoints,
// or from this identifier's witnesses, and returns its verified state.
func (id *Identifier) QueryKEL(ctx context.Context, subject string, via ...types.LocationScheme) (kel.State, error) {
	var from uint64
	if st, err := id.db.State(ctx, subject); err == nil {
		from = st.Sn + 1
	} else if !errors.Is(err, kel.ErrUnknown) {
		return kel.State{}, err
	}

	envs, err := id.poll(ctx, via, types.Query{Route: types.QueryLog, Subject: subject, Cursor: from})
	if err != nil {
		return kel.State{}, fmt.Errorf("query kel of %s: %w", subject, err)
	}
	events := make([]types.SignedEvent, 0, len(envs))
	for _, env := range envs {
		var se types.SignedEvent
		if err := env.Message.Decode(&se); err != nil {
			return kel.State{}, err
		}
		events = append(events, se)
	}
	return id.ingest(ctx, subject, events)
}

// ImportKEL verifies and stores a key event log as written by KEL, such as
// one taken from another identifier's export.
func (id *Identifier) ImportKEL(ctx context.Context, data []byte) (kel.State, error) {
	events, err := kel.ParseLog(data)
	if err != nil {
		return kel.State{}, err
	}
	if len(events) == 0 {
		return kel.State{}, fmt.Errorf("%w: empty log", types.ErrMalformed)
	}
	return id.ingest(ctx, events[0].Event.Prefix, events)
}

// ingest appends the events of subject, skipping those already held.
func (id *Identifier) ingest(ctx context.Context, subject string, events []types.SignedEvent) (kel.State, error) {
	for _, se := range events {
		if se.Event.Prefix != subject {
			return kel.State{}, fmt.Errorf("%w: asked for %s, got %s", types.ErrMalformed, subject, se.Event.Prefix)
		}
		if _, err := id.db.Append(ctx, se); err != nil && !errors.Is(err, kel.ErrDuplicate) {
			return kel.State{}, fmt.Errorf("ingest %s sn %d: %w", subject, se.Event.Sn, err)
		}
	}
	return id.db.State(ctx, subject)
}

// QueryTEL fetches the issuer's log and the registry events of a
// credential, then returns the credential's state.
func (id *Identifier) QueryTEL(ctx context.Context, issuer, registry, credential string, via ...types.LocationScheme) (types.CredentialState, error) {
	if _, err := id.QueryKEL(ctx, issuer, via...); err != nil {
		return "", err
	}
	envs, err := id.poll(ctx, via, types.Query{Route: types.QueryTel, Registry: registry, Subject: credential})
	if err != nil {
		return "", fmt.Errorf("query tel of %s: %w", credential, err)
	}
	events := make([]types.AnchoredTelEvent, 0, len(envs))
	for _, env := range envs {
		var ae types.AnchoredTelEvent
		if err := env.Message.Decode(&ae); err != nil {
			return "", err
		}
		events = append(events, ae)
	}
	if err := id.tel.Ingest(ctx, events); err != nil {
		return "", err
	}
	return id.tel.CredentialState(ctx, credential)
}
