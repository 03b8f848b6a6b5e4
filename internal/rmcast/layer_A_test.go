package rmcast

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-cpg/internal/wire"
)

func newLayer(t testing.TB, node uint32, inc uint64) *Layer { // A
	l, err := New(Config{Node: node, Incarnation: inc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func proposal(node uint32, inc, ring, seq uint64) *wire.Proposal { // A
	return &wire.Proposal{
		ID: wire.ProposalID{
			Stream: wire.StreamID{Node: node, Incarnation: inc, Ring: ring},
			Seq:    seq,
		},
		Kind:    wire.KindData,
		Payload: []byte{byte(seq)},
	}
}

func TestReorderAndDuplicates(t *testing.T) { // A
	t.Parallel()
	l := newLayer(t, 1, 1)
	l.Reset(3, []uint32{1, 2})

	require.Empty(t, l.Receive(proposal(2, 1, 3, 2)))
	require.Empty(t, l.Receive(proposal(2, 1, 3, 3)))
	released := l.Receive(proposal(2, 1, 3, 1))
	require.Len(t, released, 3)
	for i, p := range released {
		require.Equal(t, uint64(i+1), p.ID.Seq)
	}

	require.Empty(t, l.Receive(proposal(2, 1, 3, 2)), "duplicate released")
	require.Empty(t, l.Receive(proposal(2, 1, 2, 1)), "older ring accepted")
	require.Equal(t, 3, l.Buffered())

	l.Release(released[0].ID)
	_, ok := l.Get(released[0].ID)
	require.False(t, ok)
	require.Equal(t, 2, l.Buffered())
}

func TestStabilityNeedsEveryRingMember(t *testing.T) { // A
	t.Parallel()
	l := newLayer(t, 1, 1)
	l.Reset(5, []uint32{1, 2, 3})

	p := &wire.Proposal{Kind: wire.KindData}
	l.Stamp(p)
	require.False(t, l.Stable(p.ID))

	ack := func(from uint32, seq uint64) wire.Ack {
		return wire.Ack{
			From:        from,
			Incarnation: 1,
			Ring:        5,
			Streams:     []wire.StreamAck{{Stream: p.ID.Stream, Seq: seq}},
		}
	}
	require.True(t, l.ObserveAck(ack(2, 1)))
	require.False(t, l.Stable(p.ID))
	require.True(t, l.ObserveAck(ack(3, 1)))
	require.True(t, l.Stable(p.ID))
}

func TestRestartRetiresIncarnation(t *testing.T) { // A
	t.Parallel()
	l := newLayer(t, 1, 1)
	l.Reset(2, []uint32{1, 2})

	l.Receive(proposal(2, 1, 2, 1))
	require.True(t, l.ObserveAck(wire.Ack{From: 2, Incarnation: 1, Ring: 2}))
	require.Equal(t, 1, l.Buffered())

	require.True(t, l.Learn(2, 2))
	require.Equal(t, 1, l.Buffered(), "ordered data must survive a restart")
	require.False(t, l.ObserveAck(wire.Ack{From: 2, Incarnation: 1, Ring: 2}))
	require.Empty(t, l.Receive(proposal(2, 1, 2, 2)))
	require.Len(t, l.Receive(proposal(2, 2, 2, 1)), 1)

	require.Equal(t, 2, l.Reset(3, []uint32{1, 2}))
	require.Zero(t, l.Buffered())
}

func TestContiguousListsStreamsInOrder(t *testing.T) { // A
	t.Parallel()
	l := newLayer(t, 1, 1)
	l.Reset(2, []uint32{1, 2, 3})

	l.Receive(proposal(3, 1, 2, 1))
	l.Receive(proposal(2, 1, 2, 2))
	l.Receive(proposal(2, 1, 2, 1))
	l.Receive(proposal(3, 1, 2, 3))
	l.Receive(proposal(2, 1, 3, 1))

	got := l.Contiguous(2)
	require.Equal(t, []wire.ProposalID{
		{Stream: wire.StreamID{Node: 2, Incarnation: 1, Ring: 2}, Seq: 1},
		{Stream: wire.StreamID{Node: 2, Incarnation: 1, Ring: 2}, Seq: 2},
		{Stream: wire.StreamID{Node: 3, Incarnation: 1, Ring: 2}, Seq: 1},
	}, got)
}

func TestManifestAcked(t *testing.T) { // A
	t.Parallel()
	l := newLayer(t, 1, 1)
	l.Reset(4, []uint32{1, 2, 3})
	require.Zero(t, l.ManifestAcked(7))

	l.ObserveAck(wire.Ack{From: 2, Incarnation: 1, Ring: 4, Manifest: 5})
	l.ObserveAck(wire.Ack{From: 3, Incarnation: 1, Ring: 4, Manifest: 9})
	require.Equal(t, uint64(5), l.ManifestAcked(7))
	require.Equal(t, uint64(3), l.ManifestAcked(3))

	l.ObserveAck(wire.Ack{From: 3, Incarnation: 1, Ring: 3, Manifest: 9})
	require.Zero(t, l.ManifestAcked(7))
}

// TestReleaseInStreamOrder delivers a stream in random order and checks
// that the released sequence is exactly 1..n.
func TestReleaseInStreamOrder(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		l, err := New(Config{Node: 1, Incarnation: 1})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		l.Reset(1, []uint32{1, 2})

		n := rapid.IntRange(1, 50).Draw(t, "n")
		seqs := make([]uint64, 0, 2*n)
		for i := 1; i <= n; i++ {
			seqs = append(seqs, uint64(i))
		}
		// duplicates
		dups := rapid.SliceOfN(rapid.IntRange(1, n), 0, n).Draw(t, "dups")
		for _, d := range dups {
			seqs = append(seqs, uint64(d))
		}
		order := rapid.Permutation(seqs).Draw(t, "order")

		var got []uint64
		for _, s := range order {
			for _, p := range l.Receive(proposal(2, 1, 1, s)) {
				got = append(got, p.ID.Seq)
			}
		}
		if len(got) != n {
			t.Fatalf("released %d proposals, want %d", len(got), n)
		}
		for i, s := range got {
			if s != uint64(i+1) {
				t.Fatalf("released %v", got)
			}
		}
	})
}
