// Package kel implements key event logs: hash-chained, append-only
// sequences of key events for one identifier, and a database of them.
package kel

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/kerilog/internal/said"
	"github.com/relves/kerilog/pkg/types"
)

// State is the key state derived from replaying a chain.
type State struct {
	Prefix           string   `json:"i"`
	Sn               uint64   `json:"s"`
	Digest           string   `json:"d"`
	Keys             []string `json:"k"`
	Threshold        int      `json:"kt"`
	NextCommitment   string   `json:"n"`
	NextThreshold    int      `json:"nt"`
	Witnesses        []string `json:"b"`
	WitnessThreshold int      `json:"bt"`
	// LastEstablishment is the sn of the latest inception or rotation.
	LastEstablishment uint64 `json:"ee"`
}

func (s State) clone() State {
	s.Keys = slices.Clone(s.Keys)
	s.Witnesses = slices.Clone(s.Witnesses)
	return s
}

// TreeHead summarizes a chain as a Merkle tree over its event digests.
type TreeHead struct {
	Size uint64 `json:"size"`
	Root []byte `json:"root"`
}

// Chain is the key event log of one identifier. It is safe for concurrent
// use; appends are serialized.
type Chain struct {
	mu     sync.RWMutex
	events []types.SignedEvent
	state  State
	tree   *compact.Range
}

// NewChain returns an empty chain awaiting its inception event.
func NewChain() *Chain {
	rf := &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}
	return &Chain{tree: rf.NewEmptyRange(0)}
}

// Append validates se against the chain tip and, if it is acceptable, adds
// it and returns the new tip digest. Signatures are not checked here.
func (c *Chain) Append(se types.SignedEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(se, nil)
}

// appendLocked validates and commits se. persist, if set, runs after
// validation and before the in-memory commit; its failure aborts the append.
func (c *Chain) appendLocked(se types.SignedEvent, persist func(next State) error) (string, error) {
	next, err := c.validate(&se.Event)
	if err != nil {
		return "", err
	}
	if persist != nil {
		if err := persist(next); err != nil {
			return "", err
		}
	}
	if err := c.tree.Append(rfc6962.DefaultHasher.HashLeaf([]byte(se.Event.Digest)), nil); err != nil {
		return "", fmt.Errorf("update tree: %w", err)
	}
	c.events = append(c.events, cloneSigned(se))
	c.state = next
	return next.Digest, nil
}

// holdsLocked reports whether ev is already in the chain.
func (c *Chain) holdsLocked(ev *types.Event) bool {
	return ev.Sn < uint64(len(c.events)) && c.events[ev.Sn].Event.Digest == ev.Digest
}

func (c *Chain) validate(ev *types.Event) (State, error) {
	if err := ev.VerifyDigest(); err != nil {
		return State{}, err
	}

	if len(c.events) == 0 {
		if ev.Type != types.Inception {
			return State{}, fmt.Errorf("%w: chain must start with inception, got %s", ErrSequenceGap, ev.Type)
		}
		if ev.Sn != 0 {
			return State{}, fmt.Errorf("%w: inception at sn %d", ErrSequenceGap, ev.Sn)
		}
		if ev.Prior != "" {
			return State{}, fmt.Errorf("%w: inception with prior digest", ErrInvalidPriorDigest)
		}
		return inceptionState(ev)
	}

	tip := c.state
	if ev.Prefix != tip.Prefix {
		return State{}, fmt.Errorf("%w: event for %s appended to chain %s", ErrMalformed, ev.Prefix, tip.Prefix)
	}
	if ev.Sn <= tip.Sn {
		if c.events[ev.Sn].Event.Digest == ev.Digest {
			return State{}, fmt.Errorf("%w: sn %d", ErrDuplicate, ev.Sn)
		}
		return State{}, fmt.Errorf("%w: sn %d already accepted, tip is %d", ErrSequenceGap, ev.Sn, tip.Sn)
	}
	if ev.Sn != tip.Sn+1 {
		return State{}, fmt.Errorf("%w: got sn %d, want %d", ErrSequenceGap, ev.Sn, tip.Sn+1)
	}
	if ev.Prior != tip.Digest {
		return State{}, fmt.Errorf("%w: got %s, tip is %s", ErrInvalidPriorDigest, ev.Prior, tip.Digest)
	}

	next := tip.clone()
	next.Sn = ev.Sn
	next.Digest = ev.Digest

	switch ev.Type {
	case types.Rotation:
		if err := checkKeys(ev.Keys, ev.Threshold); err != nil {
			return State{}, err
		}
		if err := matchCommitment(tip.NextCommitment, ev.Keys, ev.Threshold); err != nil {
			return State{}, err
		}
		if err := checkCommitment(ev.NextCommitment, ev.NextThreshold); err != nil {
			return State{}, err
		}
		witnesses, err := ApplyWitnessDelta(tip.Witnesses, ev.WitnessCut, ev.WitnessAdd, ev.WitnessThreshold)
		if err != nil {
			return State{}, err
		}
		next.Keys = slices.Clone(ev.Keys)
		next.Threshold = ev.Threshold
		next.NextCommitment = ev.NextCommitment
		next.NextThreshold = ev.NextThreshold
		next.Witnesses = witnesses
		next.WitnessThreshold = ev.WitnessThreshold
		next.LastEstablishment = ev.Sn
	case types.Interaction:
		if len(ev.Keys) > 0 || ev.NextCommitment != "" {
			return State{}, fmt.Errorf("%w: interaction carries key configuration", ErrMalformed)
		}
	default:
		return State{}, fmt.Errorf("%w: unexpected %s at sn %d", ErrSequenceGap, ev.Type, ev.Sn)
	}
	return next, nil
}

func inceptionState(ev *types.Event) (State, error) {
	if err := checkKeys(ev.Keys, ev.Threshold); err != nil {
		return State{}, err
	}
	if err := checkCommitment(ev.NextCommitment, ev.NextThreshold); err != nil {
		return State{}, err
	}
	witnesses, err := ApplyWitnessDelta(nil, nil, ev.Witnesses, ev.WitnessThreshold)
	if err != nil {
		return State{}, err
	}
	return State{
		Prefix:           ev.Prefix,
		Sn:               0,
		Digest:           ev.Digest,
		Keys:             slices.Clone(ev.Keys),
		Threshold:        ev.Threshold,
		NextCommitment:   ev.NextCommitment,
		NextThreshold:    ev.NextThreshold,
		Witnesses:        witnesses,
		WitnessThreshold: ev.WitnessThreshold,
	}, nil
}

// CheckKeys validates a key set and its signing threshold.
func CheckKeys(keys []string, threshold int) error {
	return checkKeys(keys, threshold)
}

func checkKeys(keys []string, threshold int) error {
	if len(keys) == 0 {
		return ErrEmptyKeySet
	}
	if threshold < 1 || threshold > len(keys) {
		return fmt.Errorf("%w: %d of %d keys", ErrThresholdOutOfRange, threshold, len(keys))
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate key %s", ErrMalformed, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

func checkCommitment(commitment string, threshold int) error {
	if _, err := said.Parse(commitment); err != nil {
		return fmt.Errorf("%w: next key commitment: %w", ErrMalformed, err)
	}
	if threshold < 1 {
		return fmt.Errorf("%w: next threshold %d", ErrThresholdOutOfRange, threshold)
	}
	return nil
}

func matchCommitment(commitment string, keys []string, threshold int) error {
	got, err := said.Commitment(keys, threshold)
	if err != nil {
		return err
	}
	if got != commitment {
		return fmt.Errorf("%w: keys do not match the pre-rotation commitment", ErrCommitmentMismatch)
	}
	return nil
}

// ApplyWitnessDelta returns current with cut removed and add appended,
// validating that the deltas are consistent and the threshold satisfiable.
func ApplyWitnessDelta(current, cut, add []string, threshold int) ([]string, error) {
	remaining := make([]string, 0, len(current)+len(add))
	cutSet := make(map[string]struct{}, len(cut))
	for _, w := range cut {
		if !slices.Contains(current, w) {
			return nil, fmt.Errorf("%w: cut witness %s is not in the set", ErrInvalidWitnessConfig, w)
		}
		if _, dup := cutSet[w]; dup {
			return nil, fmt.Errorf("%w: witness %s cut twice", ErrInvalidWitnessConfig, w)
		}
		cutSet[w] = struct{}{}
	}
	for _, w := range current {
		if _, ok := cutSet[w]; !ok {
			remaining = append(remaining, w)
		}
	}
	for _, w := range add {
		if w == "" {
			return nil, fmt.Errorf("%w: empty witness identifier", ErrInvalidWitnessConfig)
		}
		if slices.Contains(remaining, w) {
			return nil, fmt.Errorf("%w: witness %s already in the set", ErrInvalidWitnessConfig, w)
		}
		remaining = append(remaining, w)
	}
	if threshold < 0 || threshold > len(remaining) {
		return nil, fmt.Errorf("%w: witness threshold %d of %d witnesses", ErrThresholdOutOfRange, threshold, len(remaining))
	}
	if threshold == 0 && len(remaining) > 0 {
		return nil, fmt.Errorf("%w: witness threshold 0 with %d witnesses", ErrThresholdOutOfRange, len(remaining))
	}
	return remaining, nil
}

// CheckCommitment reports whether keys and threshold hash to the next key
// commitment at the chain tip, without modifying the chain.
func (c *Chain) CheckCommitment(keys []string, threshold int) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) == 0 {
		return fmt.Errorf("%w: empty chain", ErrUnknown)
	}
	return matchCommitment(c.state.NextCommitment, keys, threshold)
}

// State returns a copy of the current key state.
func (c *Chain) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// Len returns the number of accepted events.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Events returns accepted events starting at sn from.
func (c *Chain) Events(from uint64) []types.SignedEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from >= uint64(len(c.events)) {
		return nil
	}
	out := make([]types.SignedEvent, 0, uint64(len(c.events))-from)
	for _, se := range c.events[from:] {
		out = append(out, cloneSigned(se))
	}
	return out
}

// Event returns the accepted event at sn.
func (c *Chain) Event(sn uint64) (types.SignedEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sn >= uint64(len(c.events)) {
		return types.SignedEvent{}, false
	}
	return cloneSigned(c.events[sn]), true
}

// FindSeal returns the sn of the first event at or before upTo that carries
// seal.
func (c *Chain) FindSeal(seal types.Seal, upTo uint64) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, se := range c.events {
		if se.Event.Sn > upTo {
			break
		}
		if slices.Contains(se.Event.Seals, seal) {
			return se.Event.Sn, true
		}
	}
	return 0, false
}

// Serialize returns the chain as newline-delimited JSON signed events.
func (c *Chain) Serialize() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var buf bytes.Buffer
	for _, se := range c.events {
		line, err := se.Serialize()
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ParseLog reads a log written by Serialize. Events are not verified.
func ParseLog(data []byte) ([]types.SignedEvent, error) {
	var out []types.SignedEvent
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var se types.SignedEvent
		if err := se.Deserialize(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, se)
	}
	return out, nil
}

// Head returns the Merkle tree head over the accepted event digests.
func (c *Chain) Head() (TreeHead, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headLocked()
}

func (c *Chain) headLocked() (TreeHead, error) {
	if c.tree.End() == 0 {
		return TreeHead{Size: 0, Root: rfc6962.DefaultHasher.EmptyRoot()}, nil
	}
	root, err := c.tree.GetRootHash(nil)
	if err != nil {
		return TreeHead{}, fmt.Errorf("compute root: %w", err)
	}
	return TreeHead{Size: c.tree.End(), Root: root}, nil
}

func cloneSigned(se types.SignedEvent) types.SignedEvent {
	ev := se.Event
	ev.Keys = slices.Clone(ev.Keys)
	ev.Witnesses = slices.Clone(ev.Witnesses)
	ev.WitnessCut = slices.Clone(ev.WitnessCut)
	ev.WitnessAdd = slices.Clone(ev.WitnessAdd)
	ev.Seals = slices.Clone(ev.Seals)
	return types.SignedEvent{Event: ev, Signatures: slices.Clone(se.Signatures)}
}
