package relay

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/beamdrop/beamdrop/pkg/protocol"
)

// apply is shorthand for a transition in tests.
func apply(t *testing.T, p *Pairing, from, to, kind string, want Verdict) {
	t.Helper()
	if got := p.Apply(from, to, kind); got != want {
		t.Fatalf("Apply(%s, %s, %s) = %v, want %v", from, to, kind, got, want)
	}
}

// pair drives A and B into a mutual pairing.
func pair(t *testing.T, p *Pairing, a, b string) {
	t.Helper()
	apply(t, p, a, b, protocol.KindOffer, VerdictForward)
	apply(t, p, b, a, protocol.KindAnswer, VerdictForward)
}

func wantState(t *testing.T, p *Pairing, code string, state PeerState, peer string) {
	t.Helper()
	gotState, gotPeer := p.State(code)
	if gotState != state || gotPeer != peer {
		t.Fatalf("State(%s) = (%v, %q), want (%v, %q)", code, gotState, gotPeer, state, peer)
	}
}

func TestPairing_OfferAnswerPairs(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
	wantState(t, p, "A", StateDialing, "B")
	wantState(t, p, "B", StateFree, "")

	apply(t, p, "B", "A", protocol.KindAnswer, VerdictForward)
	wantState(t, p, "A", StatePaired, "B")
	wantState(t, p, "B", StatePaired, "A")
	if got := p.Pairs(); got != 1 {
		t.Fatalf("Pairs() = %d, want 1", got)
	}
}

func TestPairing_RepeatedOfferWhileDialingSamePeer(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
	// Retrying the same dial is legal.
	apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
	wantState(t, p, "A", StateDialing, "B")
}

func TestPairing_OfferToEngagedPeerIsBusy(t *testing.T) {
	t.Parallel()
	p := NewPairing()
	pair(t, p, "A", "B")

	// A third peer offering toward a paired peer is refused, and the
	// existing pairing is untouched.
	apply(t, p, "C", "A", protocol.KindOffer, VerdictBusy)
	wantState(t, p, "A", StatePaired, "B")
	wantState(t, p, "B", StatePaired, "A")
	wantState(t, p, "C", StateFree, "")
}

func TestPairing_SecondOfferFromEngagedSenderIsBusy(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
	// A tries a different peer while still dialing B.
	apply(t, p, "A", "C", protocol.KindOffer, VerdictBusy)
	wantState(t, p, "A", StateDialing, "B")
	wantState(t, p, "C", StateFree, "")
}

func TestPairing_SelfOfferIsBusy(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	apply(t, p, "A", "A", protocol.KindOffer, VerdictBusy)
	wantState(t, p, "A", StateFree, "")
}

func TestPairing_SimultaneousOffers(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	// Both dial each other; the first valid answer pairs both sides.
	apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
	apply(t, p, "B", "A", protocol.KindOffer, VerdictForward)
	apply(t, p, "A", "B", protocol.KindAnswer, VerdictForward)
	wantState(t, p, "A", StatePaired, "B")
	wantState(t, p, "B", StatePaired, "A")
}

func TestPairing_MismatchedAnswerDropped(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	// Nobody offered: nothing to answer.
	apply(t, p, "A", "B", protocol.KindAnswer, VerdictDrop)
	wantState(t, p, "A", StateFree, "")
	wantState(t, p, "B", StateFree, "")

	// C answers into someone else's handshake.
	apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
	apply(t, p, "C", "A", protocol.KindAnswer, VerdictDrop)
	wantState(t, p, "A", StateDialing, "B")
	wantState(t, p, "C", StateFree, "")
}

func TestPairing_CandidateGating(t *testing.T) {
	t.Parallel()

	t.Run("both free race window", func(t *testing.T) {
		t.Parallel()
		p := NewPairing()
		apply(t, p, "A", "B", protocol.KindCandidate, VerdictForward)
	})

	t.Run("during dial", func(t *testing.T) {
		t.Parallel()
		p := NewPairing()
		apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
		apply(t, p, "A", "B", protocol.KindCandidate, VerdictForward)
		apply(t, p, "B", "A", protocol.KindCandidate, VerdictForward)
	})

	t.Run("while paired", func(t *testing.T) {
		t.Parallel()
		p := NewPairing()
		pair(t, p, "A", "B")
		apply(t, p, "A", "B", protocol.KindCandidate, VerdictForward)
		apply(t, p, "B", "A", protocol.KindCandidate, VerdictForward)
	})

	t.Run("third party injection", func(t *testing.T) {
		t.Parallel()
		p := NewPairing()
		pair(t, p, "A", "B")
		// C must not inject candidates into A↔B's session.
		apply(t, p, "C", "A", protocol.KindCandidate, VerdictDrop)
		apply(t, p, "A", "C", protocol.KindCandidate, VerdictDrop)
	})
}

func TestPairing_Bye(t *testing.T) {
	t.Parallel()
	p := NewPairing()
	pair(t, p, "A", "B")

	apply(t, p, "A", "B", protocol.KindBye, VerdictForward)
	wantState(t, p, "A", StateFree, "")
	wantState(t, p, "B", StateFree, "")
	if got := p.Pairs(); got != 0 {
		t.Fatalf("Pairs() = %d, want 0", got)
	}

	// Repeated bye is idempotent and still forwards.
	apply(t, p, "A", "B", protocol.KindBye, VerdictForward)
	wantState(t, p, "A", StateFree, "")
}

func TestPairing_ByeWhileDialing(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
	apply(t, p, "A", "B", protocol.KindBye, VerdictForward)
	wantState(t, p, "A", StateFree, "")
}

func TestPairing_BusyInboundDropped(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	apply(t, p, "A", "B", protocol.KindBusy, VerdictDrop)
	wantState(t, p, "A", StateFree, "")
	wantState(t, p, "B", StateFree, "")
}

func TestPairing_Disconnect(t *testing.T) {
	t.Parallel()
	p := NewPairing()
	pair(t, p, "A", "B")

	p.Disconnect("A")
	wantState(t, p, "A", StateFree, "")
	wantState(t, p, "B", StateFree, "")

	// Idempotent.
	p.Disconnect("A")
	wantState(t, p, "A", StateFree, "")
}

func TestPairing_DisconnectWhileDialedAt(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	apply(t, p, "A", "B", protocol.KindOffer, VerdictForward)
	// B closing must free A, who was dialing B, even though B itself never
	// held an entry.
	p.Disconnect("B")
	wantState(t, p, "A", StateFree, "")

	// A is actually free: a fresh dial toward another peer is admitted.
	apply(t, p, "A", "C", protocol.KindOffer, VerdictForward)
}

func TestPairing_DisconnectFreesEveryReferent(t *testing.T) {
	t.Parallel()
	p := NewPairing()

	// C dialed B before B paired with A; closing B must free both.
	apply(t, p, "C", "B", protocol.KindOffer, VerdictForward)
	pair(t, p, "B", "A")

	p.Disconnect("B")
	wantState(t, p, "A", StateFree, "")
	wantState(t, p, "C", StateFree, "")
}

// TestPairing_Invariants drives random transition sequences and checks the
// structural invariants after every step: no peer pairs with itself, and a
// Paired peer's counterpart is always Paired right back (which also rules
// out one peer being the counterpart of two pairings).
func TestPairing_Invariants(t *testing.T) {
	t.Parallel()

	peers := []string{"A", "B", "C", "D", "E"}
	kinds := []string{protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate, protocol.KindBye}

	rapid.Check(t, func(t *rapid.T) {
		p := NewPairing()

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			from := rapid.SampledFrom(peers).Draw(t, "from")
			if rapid.IntRange(0, 9).Draw(t, "op") == 0 {
				p.Disconnect(from)
			} else {
				to := rapid.SampledFrom(peers).Draw(t, "to")
				kind := rapid.SampledFrom(kinds).Draw(t, "kind")
				p.Apply(from, to, kind)
			}

			for _, code := range peers {
				state, other := p.State(code)
				if state == StateFree {
					continue
				}
				if other == code {
					t.Fatalf("peer %s is its own counterpart", code)
				}
				if state == StatePaired {
					otherState, otherPeer := p.State(other)
					if otherState != StatePaired || otherPeer != code {
						t.Fatalf("pairing not mutual: %s->%s but %s is (%v,%s)",
							code, other, other, otherState, otherPeer)
					}
				}
			}
		}
	})
}
