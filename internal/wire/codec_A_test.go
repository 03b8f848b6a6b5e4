package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

func TestProposalRoundTripKeepsEmptyPayload(t *testing.T) { // A
	t.Parallel()
	in := Packet{Type: PacketProposal, Proposal: &Proposal{
		ID: ProposalID{
			Stream: StreamID{Node: 3, Incarnation: 7},
			Seq:    42,
		},
		Kind:      KindData,
		Group:     types.MustGroupName("g"),
		Sender:    types.Member{NodeID: 3, ProcessID: 99, JoinEpoch: 5},
		Guarantee: types.GuaranteeAgreed,
		SenderSeq: 4,
		Payload:   []byte{},
	}}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, in.Proposal, out.Proposal)
	require.NotNil(t, out.Proposal.Payload)
}

func TestLargePayloadIsCompressed(t *testing.T) { // A
	t.Parallel()
	payload := bytes.Repeat([]byte("cpg"), CompressThreshold)
	in := Packet{Type: PacketProposal, Proposal: &Proposal{
		Kind:    KindData,
		Group:   types.MustGroupName("big"),
		Payload: payload,
	}}

	data, err := Encode(in)
	require.NoError(t, err)
	require.Equal(t, flagCompressed, data[1]&flagCompressed)
	require.Less(t, len(data), len(payload))

	out, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, payload, out.Proposal.Payload)
}

func TestFlushCommitCarriesPreviousChain(t *testing.T) { // A
	t.Parallel()
	g := types.MustGroupName("g")
	oldest := &Commit{
		Ring:     3,
		PrevRing: 2,
		Members:  []RingMember{{Node: 1, Incarnation: 1}},
	}
	prev := &Commit{
		Ring:     4,
		PrevRing: 3,
		Members:  []RingMember{{Node: 1, Incarnation: 1}, {Node: 2, Incarnation: 1}},
		Previous: oldest,
	}
	in := Packet{Type: PacketFlushCommit, FlushCommit: &FlushCommit{
		Coordinator: 1,
		Attempt:     2,
		Commit: Commit{
			Ring:     5,
			PrevRing: 4,
			Members: []RingMember{
				{Node: 1, Incarnation: 1},
				{Node: 2, Incarnation: 1},
				{Node: 3, Incarnation: 4},
			},
			Final: []Manifest{{
				Ring: 4, Seq: 9,
				Entries: []Entry{
					{
						ID: ProposalID{
							Stream: StreamID{Node: 2, Incarnation: 1, Ring: 4},
							Seq:    3,
						},
						Kind: KindData,
					},
					{
						ID: ProposalID{
							Stream: StreamID{Node: 2, Incarnation: 1, Ring: 4},
							Seq:    4,
						},
						Kind:   KindJoin,
						Group:  g,
						Member: types.Member{NodeID: 2, ProcessID: 7, JoinEpoch: 3},
					},
				},
			}},
			Groups: []GroupMembers{{
				Group:   g,
				Seq:     12,
				Members: []types.Member{{NodeID: 1, ProcessID: 1, JoinEpoch: 1}},
			}},
			Previous: prev,
		},
	}}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, in.FlushCommit, out.FlushCommit)
	require.Equal(t, []uint32{1, 2, 3}, out.FlushCommit.Commit.Nodes())
}

func TestAckRoundTrip(t *testing.T) { // A
	t.Parallel()
	in := Packet{Type: PacketAck, Ack: &Ack{
		From:        2,
		Incarnation: 6,
		Ring:        8,
		Streams: []StreamAck{
			{Stream: StreamID{Node: 1, Incarnation: 1, Ring: 8}, Seq: 10},
			{Stream: StreamID{Node: 2, Incarnation: 6, Ring: 8}, Seq: 3},
		},
		Manifest: 4,
	}}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, in.Ack, out.Ack)
}

func TestDecodeRejectsGarbage(t *testing.T) { // A
	t.Parallel()
	_, err := Decode([]byte{1})
	require.Error(t, err)
	_, err = Decode([]byte{99, 0})
	require.Error(t, err)
	_, err = Decode([]byte{byte(PacketAck), 0, 0xff, 0xff})
	require.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) { // A
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one")))
	require.NoError(t, WriteFrame(&buf, nil))
	require.NoError(t, WriteFrame(&buf, []byte("three")))

	for _, want := range []string{"one", "", "three"} {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestFrameRejectsBadMagic(t *testing.T) { // A
	t.Parallel()
	_, err := ReadFrame(bytes.NewReader(make([]byte, frameHeaderSize)))
	require.Error(t, err)
}
