package wire

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

const (
	headerSize = 2

	flagCompressed byte = 1 << 0

	// CompressThreshold is the body size above which bodies are
	// zstd-compressed.
	CompressThreshold = 4 * 1024

	maxDecodedMB = 64
	maxDecoded   = maxDecodedMB * 1024 * 1024

	// MaxCommitChain bounds how many Previous commits are encoded.
	MaxCommitChain = 8
)

var errTruncated = errors.New("packet truncated")

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) { // A
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(
			nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
		)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(
			nil,
			zstd.WithDecoderMaxMemory(maxDecoded),
		)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Encode serializes a packet. Wire format:
// [1B packet type][1B flags][body]
func Encode(p Packet) ([]byte, error) { // A
	var e encoder
	switch p.Type {
	case PacketProposal:
		if p.Proposal == nil {
			return nil, fmt.Errorf("proposal packet without body")
		}
		encodeProposal(&e, p.Proposal)
	case PacketAck:
		if p.Ack == nil {
			return nil, fmt.Errorf("ack packet without body")
		}
		encodeAck(&e, p.Ack)
	case PacketManifest:
		if p.Manifest == nil {
			return nil, fmt.Errorf("manifest packet without body")
		}
		encodeManifest(&e, p.Manifest)
	case PacketFlushRequest:
		if p.FlushRequest == nil {
			return nil, fmt.Errorf("flush request without body")
		}
		encodeFlushRequest(&e, p.FlushRequest)
	case PacketFlushState:
		if p.FlushState == nil {
			return nil, fmt.Errorf("flush state without body")
		}
		encodeFlushState(&e, p.FlushState)
	case PacketFlushCommit:
		if p.FlushCommit == nil {
			return nil, fmt.Errorf("flush commit without body")
		}
		encodeFlushCommit(&e, p.FlushCommit)
	default:
		return nil, fmt.Errorf("unknown packet type %s", p.Type)
	}

	body := e.b
	var flags byte
	if len(body) > CompressThreshold {
		enc, _, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		body = enc.EncodeAll(body, nil)
		flags |= flagCompressed
	}

	out := make([]byte, headerSize, headerSize+len(body))
	out[0] = byte(p.Type)
	out[1] = flags
	return append(out, body...), nil
}

// Decode parses a packet produced by Encode.
func Decode(data []byte) (Packet, error) { // A
	if len(data) < headerSize {
		return Packet{}, errTruncated
	}
	p := Packet{Type: PacketType(data[0])}
	body := data[headerSize:]
	if data[1]&flagCompressed != 0 {
		_, dec, err := codecs()
		if err != nil {
			return Packet{}, fmt.Errorf("init zstd: %w", err)
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return Packet{}, fmt.Errorf("decompress: %w", err)
		}
	}

	var err error
	switch p.Type {
	case PacketProposal:
		p.Proposal = &Proposal{}
		err = decodeProposal(body, p.Proposal)
	case PacketAck:
		p.Ack = &Ack{}
		err = decodeAck(body, p.Ack)
	case PacketManifest:
		p.Manifest = &Manifest{}
		err = decodeManifest(body, p.Manifest)
	case PacketFlushRequest:
		p.FlushRequest = &FlushRequest{}
		err = decodeFlushRequest(body, p.FlushRequest)
	case PacketFlushState:
		p.FlushState = &FlushState{}
		err = decodeFlushState(body, p.FlushState)
	case PacketFlushCommit:
		p.FlushCommit = &FlushCommit{}
		err = decodeFlushCommit(body, p.FlushCommit)
	default:
		return Packet{}, fmt.Errorf("unknown packet type %s", p.Type)
	}
	if err != nil {
		return Packet{}, fmt.Errorf("decode %s: %w", p.Type, err)
	}
	return p, nil
}

// encoder appends protobuf wire fields. Zero scalars are omitted.
type encoder struct { // A
	b []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) { // A
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) { // A
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) message(num protowire.Number, fn func(*encoder)) { // A
	var sub encoder
	fn(&sub)
	e.bytes(num, sub.b)
}

// fieldFunc receives one decoded field: v for varints, data for bytes.
type fieldFunc func(
	num protowire.Number,
	v uint64,
	data []byte,
) error // A

func decodeFields(b []byte, fn fieldFunc) error { // A
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, 0, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte { // A
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func encodeMember(e *encoder, m types.Member) { // A
	e.uint(1, uint64(m.NodeID))
	e.uint(2, uint64(m.ProcessID))
	e.uint(3, m.JoinEpoch)
}

func decodeMember(b []byte, m *types.Member) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			m.NodeID = uint32(v) // #nosec G115 -- written from uint32.
		case 2:
			m.ProcessID = uint32(v) // #nosec G115 -- written from uint32.
		case 3:
			m.JoinEpoch = v
		}
		return nil
	})
}

func encodeStreamID(e *encoder, s StreamID) { // A
	e.uint(1, uint64(s.Node))
	e.uint(2, s.Incarnation)
	e.uint(4, s.Ring)
}

func decodeStreamField(s *StreamID, num protowire.Number, v uint64) { // A
	switch num {
	case 1:
		s.Node = uint32(v) // #nosec G115 -- written from uint32.
	case 2:
		s.Incarnation = v
	case 4:
		s.Ring = v
	}
}

func encodeProposalID(e *encoder, id ProposalID) { // A
	encodeStreamID(e, id.Stream)
	e.uint(3, id.Seq)
}

func decodeProposalID(b []byte, id *ProposalID) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 3 {
			id.Seq = v
			return nil
		}
		decodeStreamField(&id.Stream, num, v)
		return nil
	})
}

func decodeGroupName(data []byte) (types.GroupName, error) { // A
	return types.NewGroupName(data)
}

func encodeProposal(e *encoder, p *Proposal) { // A
	e.message(1, func(s *encoder) { encodeProposalID(s, p.ID) })
	e.uint(2, uint64(p.Kind))
	e.bytes(3, p.Group.Bytes())
	e.message(4, func(s *encoder) { encodeMember(s, p.Sender) })
	e.uint(5, uint64(p.Guarantee))
	e.uint(6, p.SenderSeq)
	e.uint(7, uint64(p.Reason))
	e.bytes(8, p.Payload)
}

func decodeProposal(b []byte, p *Proposal) error { // A
	p.Payload = []byte{}
	return decodeFields(b, func(num protowire.Number, v uint64, data []byte) error {
		var err error
		switch num {
		case 1:
			err = decodeProposalID(data, &p.ID)
		case 2:
			p.Kind = ProposalKind(v) // #nosec G115 -- written from uint8.
		case 3:
			p.Group, err = decodeGroupName(data)
		case 4:
			err = decodeMember(data, &p.Sender)
		case 5:
			p.Guarantee = types.Guarantee(v) // #nosec G115 -- written from uint8.
		case 6:
			p.SenderSeq = v
		case 7:
			p.Reason = types.Reason(v) // #nosec G115 -- written from uint32.
		case 8:
			p.Payload = cloneBytes(data)
		}
		return err
	})
}

func encodeAck(e *encoder, a *Ack) { // A
	e.uint(1, uint64(a.From))
	e.uint(2, a.Ring)
	for _, s := range a.Streams {
		e.message(3, func(se *encoder) {
			encodeStreamID(se, s.Stream)
			se.uint(3, s.Seq)
		})
	}
	e.uint(4, a.Manifest)
	e.uint(5, a.Incarnation)
}

func decodeAck(b []byte, a *Ack) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			a.From = uint32(v) // #nosec G115 -- written from uint32.
		case 2:
			a.Ring = v
		case 3:
			var s StreamAck
			err := decodeFields(data, func(n protowire.Number, v uint64, _ []byte) error {
				if n == 3 {
					s.Seq = v
					return nil
				}
				decodeStreamField(&s.Stream, n, v)
				return nil
			})
			if err != nil {
				return err
			}
			a.Streams = append(a.Streams, s)
		case 4:
			a.Manifest = v
		case 5:
			a.Incarnation = v
		}
		return nil
	})
}

func encodeManifest(e *encoder, m *Manifest) { // A
	e.uint(1, m.Ring)
	e.uint(2, m.Seq)
	for _, en := range m.Entries {
		e.message(3, func(s *encoder) { encodeEntry(s, en) })
	}
}

func encodeEntry(e *encoder, en Entry) { // A
	e.message(1, func(s *encoder) { encodeProposalID(s, en.ID) })
	e.uint(2, uint64(en.Kind))
	if en.Kind == KindData {
		return
	}
	e.bytes(3, en.Group.Bytes())
	e.message(4, func(s *encoder) { encodeMember(s, en.Member) })
}

func decodeEntry(b []byte, en *Entry) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, data []byte) error {
		var err error
		switch num {
		case 1:
			err = decodeProposalID(data, &en.ID)
		case 2:
			en.Kind = ProposalKind(v) // #nosec G115 -- written from uint8.
		case 3:
			en.Group, err = decodeGroupName(data)
		case 4:
			err = decodeMember(data, &en.Member)
		}
		return err
	})
}

func decodeManifest(b []byte, m *Manifest) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.Ring = v
		case 2:
			m.Seq = v
		case 3:
			var en Entry
			if err := decodeEntry(data, &en); err != nil {
				return err
			}
			m.Entries = append(m.Entries, en)
		}
		return nil
	})
}

func encodeFlushRequest(e *encoder, r *FlushRequest) { // A
	e.uint(1, uint64(r.Coordinator))
	e.uint(2, r.Ring)
	e.uint(3, r.Attempt)
	for _, n := range r.Members {
		e.uint(4, uint64(n))
	}
}

func decodeFlushRequest(b []byte, r *FlushRequest) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			r.Coordinator = uint32(v) // #nosec G115 -- written from uint32.
		case 2:
			r.Ring = v
		case 3:
			r.Attempt = v
		case 4:
			r.Members = append(r.Members, uint32(v)) // #nosec G115 -- written from uint32.
		}
		return nil
	})
}

func encodeGroupMembers(e *encoder, g GroupMembers) { // A
	e.bytes(1, g.Group.Bytes())
	e.uint(2, g.Seq)
	for _, m := range g.Members {
		e.message(3, func(s *encoder) { encodeMember(s, m) })
	}
}

func decodeGroupMembers(b []byte, g *GroupMembers) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, data []byte) error {
		var err error
		switch num {
		case 1:
			g.Group, err = decodeGroupName(data)
		case 2:
			g.Seq = v
		case 3:
			var m types.Member
			if err = decodeMember(data, &m); err == nil {
				g.Members = append(g.Members, m)
			}
		}
		return err
	})
}

func encodeFlushState(e *encoder, s *FlushState) { // A
	e.uint(1, uint64(s.From))
	e.uint(2, s.Attempt)
	e.uint(3, s.Ring)
	e.uint(4, s.HighRing)
	e.uint(5, s.Delivered)
	for i := range s.Manifests {
		m := &s.Manifests[i]
		e.message(6, func(se *encoder) { encodeManifest(se, m) })
	}
	for _, c := range s.Counters {
		e.message(7, func(se *encoder) {
			se.bytes(1, c.Group.Bytes())
			se.uint(2, c.Seq)
		})
	}
	for _, g := range s.Local {
		e.message(8, func(se *encoder) { encodeGroupMembers(se, g) })
	}
	if s.LastCommit != nil {
		e.message(9, func(se *encoder) {
			encodeCommit(se, s.LastCommit, MaxCommitChain)
		})
	}
	e.uint(10, s.Incarnation)
}

func decodeFlushState(b []byte, s *FlushState) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			s.From = uint32(v) // #nosec G115 -- written from uint32.
		case 2:
			s.Attempt = v
		case 3:
			s.Ring = v
		case 4:
			s.HighRing = v
		case 5:
			s.Delivered = v
		case 6:
			var m Manifest
			if err := decodeManifest(data, &m); err != nil {
				return err
			}
			s.Manifests = append(s.Manifests, m)
		case 7:
			var c GroupCounter
			err := decodeFields(data, func(n protowire.Number, v uint64, d []byte) error {
				var err error
				switch n {
				case 1:
					c.Group, err = decodeGroupName(d)
				case 2:
					c.Seq = v
				}
				return err
			})
			if err != nil {
				return err
			}
			s.Counters = append(s.Counters, c)
		case 8:
			var g GroupMembers
			if err := decodeGroupMembers(data, &g); err != nil {
				return err
			}
			s.Local = append(s.Local, g)
		case 9:
			s.LastCommit = &Commit{}
			return decodeCommit(data, s.LastCommit)
		case 10:
			s.Incarnation = v
		}
		return nil
	})
}

// encodeCommit writes c and at most depth levels of c.Previous.
func encodeCommit(e *encoder, c *Commit, depth int) { // A
	e.uint(1, c.Ring)
	e.uint(2, c.PrevRing)
	for _, m := range c.Members {
		e.message(3, func(se *encoder) {
			se.uint(1, uint64(m.Node))
			se.uint(2, m.Incarnation)
		})
	}
	for i := range c.Final {
		m := &c.Final[i]
		e.message(4, func(se *encoder) { encodeManifest(se, m) })
	}
	for _, g := range c.Groups {
		e.message(5, func(se *encoder) { encodeGroupMembers(se, g) })
	}
	if depth > 0 && c.Previous != nil {
		e.message(6, func(se *encoder) {
			encodeCommit(se, c.Previous, depth-1)
		})
	}
}

func decodeCommit(b []byte, c *Commit) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			c.Ring = v
		case 2:
			c.PrevRing = v
		case 3:
			var m RingMember
			err := decodeFields(data, func(n protowire.Number, v uint64, _ []byte) error {
				switch n {
				case 1:
					m.Node = uint32(v) // #nosec G115 -- written from uint32.
				case 2:
					m.Incarnation = v
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Members = append(c.Members, m)
		case 4:
			var m Manifest
			if err := decodeManifest(data, &m); err != nil {
				return err
			}
			c.Final = append(c.Final, m)
		case 5:
			var g GroupMembers
			if err := decodeGroupMembers(data, &g); err != nil {
				return err
			}
			c.Groups = append(c.Groups, g)
		case 6:
			c.Previous = &Commit{}
			return decodeCommit(data, c.Previous)
		}
		return nil
	})
}

func encodeFlushCommit(e *encoder, fc *FlushCommit) { // A
	e.uint(1, uint64(fc.Coordinator))
	e.uint(2, fc.Attempt)
	e.message(3, func(se *encoder) {
		encodeCommit(se, &fc.Commit, MaxCommitChain)
	})
}

func decodeFlushCommit(b []byte, fc *FlushCommit) error { // A
	return decodeFields(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			fc.Coordinator = uint32(v) // #nosec G115 -- written from uint32.
		case 2:
			fc.Attempt = v
		case 3:
			return decodeCommit(data, &fc.Commit)
		}
		return nil
	})
}
