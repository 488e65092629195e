package relay

import (
	"sync"

	"github.com/beamdrop/beamdrop/pkg/protocol"
)

// PeerState describes one peer's side of a pairing.
type PeerState int

const (
	// StateFree: the peer is not engaged with anyone.
	StateFree PeerState = iota

	// StateDialing: the peer has sent an offer toward its counterpart.
	StateDialing

	// StatePaired: the peer and its counterpart answered each other.
	StatePaired
)

// Verdict is the pairing decision for one inbound signal.
type Verdict int

const (
	// VerdictForward: deliver the signal to its destination.
	VerdictForward Verdict = iota

	// VerdictBusy: refuse the offer and synthesize a busy reply to the
	// sender. Never produced for non-offer kinds.
	VerdictBusy

	// VerdictDrop: discard the signal silently.
	VerdictDrop
)

type pairEntry struct {
	state PeerState
	peer  string
}

// Pairing tracks which peer considers which other peer its counterpart, and
// gates signal forwarding on that state. A peer is Free when it has no entry;
// entries reference counterparts by code only, so the two sides of a pairing
// are independent map entries and breaking one never walks the other's
// structure.
//
// Entries may reference codes hosted on another instance; the machine is
// authoritative for locally originated signals only.
type Pairing struct {
	mu      sync.Mutex
	entries map[string]pairEntry
}

// NewPairing creates an empty pairing map.
func NewPairing() *Pairing {
	return &Pairing{entries: make(map[string]pairEntry)}
}

// Apply runs the state machine for one inbound signal of the given kind from
// peer "from" toward peer "to", mutating pairing state and returning the
// forwarding verdict.
func (p *Pairing) Apply(from, to, kind string) Verdict {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case protocol.KindOffer:
		return p.applyOffer(from, to)
	case protocol.KindAnswer:
		return p.applyAnswer(from, to)
	case protocol.KindCandidate:
		return p.applyCandidate(from, to)
	case protocol.KindBye:
		return p.applyBye(from, to)
	}
	// busy (and anything else) is never accepted inbound.
	return VerdictDrop
}

// applyOffer admits an offer only when both sides are Free or already dialing
// each other. Anything else answers busy so the caller learns the refusal;
// existing state is never touched on refusal.
func (p *Pairing) applyOffer(from, to string) Verdict {
	if from == to {
		// Self-dial would violate the no-self-pairing invariant.
		return VerdictBusy
	}
	a := p.entries[from]
	b := p.entries[to]
	if a.state != StateFree && !(a.state == StateDialing && a.peer == to) {
		return VerdictBusy
	}
	if b.state != StateFree && b.peer != from {
		return VerdictBusy
	}
	if b.state == StatePaired {
		return VerdictBusy
	}
	p.entries[from] = pairEntry{state: StateDialing, peer: to}
	return VerdictForward
}

// applyAnswer pairs both sides when at least one of them was dialing or
// paired toward the other and neither is engaged with a third party. A
// mismatched answer is dropped silently.
func (p *Pairing) applyAnswer(from, to string) Verdict {
	if from == to {
		return VerdictDrop
	}
	a := p.entries[from]
	b := p.entries[to]
	if a.state != StateFree && a.peer != to {
		return VerdictDrop
	}
	if b.state != StateFree && b.peer != from {
		return VerdictDrop
	}
	if a.state == StateFree && b.state == StateFree {
		// Nobody offered; there is nothing to answer.
		return VerdictDrop
	}
	p.entries[from] = pairEntry{state: StatePaired, peer: to}
	p.entries[to] = pairEntry{state: StatePaired, peer: from}
	return VerdictForward
}

// applyCandidate forwards a candidate only within an established or
// in-progress pairing, or when both sides are Free — the brief race window
// right after connect, before the offer has passed through. A peer engaged
// with a third party never receives foreign candidates.
func (p *Pairing) applyCandidate(from, to string) Verdict {
	a := p.entries[from]
	b := p.entries[to]
	if a.state != StateFree && a.peer != to {
		return VerdictDrop
	}
	if b.state != StateFree && b.peer != from {
		return VerdictDrop
	}
	return VerdictForward
}

// applyBye frees the sender if it was engaged with the destination, frees the
// destination if it was paired back, and always forwards.
func (p *Pairing) applyBye(from, to string) Verdict {
	if a := p.entries[from]; a.peer == to {
		delete(p.entries, from)
	}
	if b := p.entries[to]; b.state == StatePaired && b.peer == from {
		delete(p.entries, to)
	}
	return VerdictForward
}

// Disconnect clears the closing peer's entry and frees every peer still
// engaged with it, paired back or dialing it. The reverse scan matters even
// when the closing peer has no entry of its own: a peer dialing it holds a
// one-sided entry and would otherwise stay stuck until a manual bye.
// Idempotent.
func (p *Pairing) Disconnect(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.entries, code)
	for other, e := range p.entries {
		if e.peer == code {
			delete(p.entries, other)
		}
	}
}

// State returns code's current state and counterpart.
func (p *Pairing) State(code string) (PeerState, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[code]
	return e.state, e.peer
}

// Pairs counts mutual pairings (unordered pairs where both sides are Paired
// with each other).
func (p *Pairing) Pairs() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for code, e := range p.entries {
		if e.state != StatePaired {
			continue
		}
		other, ok := p.entries[e.peer]
		if ok && other.state == StatePaired && other.peer == code {
			n++
		}
	}
	return n / 2
}
