package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/quic-go/quic-go"

	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
)

const (
	alpnProtocol     = "ouroboros-cpg/1"
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 30 * time.Second
	keepAlive        = 5 * time.Second
	certValidityDays = 365

	// DefaultDialTimeout bounds the reconnect attempts for one frame.
	DefaultDialTimeout = 5 * time.Second
	// DefaultPeerQueue is the number of frames buffered per peer.
	DefaultPeerQueue = 4096

	helloSize = 4
)

// QUICConfig configures a QUICTransport.
type QUICConfig struct { // A
	NodeID     uint32
	ListenAddr string
	// DialTimeout is DefaultDialTimeout when zero.
	DialTimeout time.Duration
	// PeerQueue is DefaultPeerQueue when zero.
	PeerQueue int
	Logger    *slog.Logger
}

// QUICTransport is the data plane of NetTransport. It keeps one outbound
// stream per peer and writes length-prefixed frames on it, so frames to
// one peer arrive in send order. The first frame on every stream carries
// the sender's node id.
//
// Frames that cannot be written are dropped and logged. The ordering
// engine sends again whatever a peer stops acknowledging.
type QUICTransport struct { // A
	cfg      QUICConfig
	log      *slog.Logger
	listener *quic.Listener
	tlsCert  tls.Certificate
	peers    *peerRegistry

	mu       sync.Mutex
	receiver interfaces.Receiver
	inbound  map[*quic.Conn]struct{}
	started  bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQUICTransport creates a transport listening on cfg.ListenAddr. It
// does not accept connections before Start.
func NewQUICTransport(cfg QUICConfig) (*QUICTransport, error) { // A
	if cfg.NodeID == 0 {
		return nil, errors.New("quic transport needs a node id")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.PeerQueue <= 0 {
		cfg.PeerQueue = DefaultPeerQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &QUICTransport{
		cfg:     cfg,
		log:     logger.With(logKeyNodeID, cfg.NodeID),
		tlsCert: cert,
		peers:   newPeerRegistry(),
		inbound: make(map[*quic.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	listener, err := quic.ListenAddr(
		cfg.ListenAddr,
		t.serverTLSConfig(),
		t.quicConfig(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	t.listener = listener
	return t, nil
}

// ListenAddr returns the address the transport is listening on.
func (t *QUICTransport) ListenAddr() string { // A
	return t.listener.Addr().String()
}

// SetReceiver installs the consumer of inbound frames.
func (t *QUICTransport) SetReceiver(r interfaces.Receiver) { // A
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()
}

// Start begins accepting connections.
func (t *QUICTransport) Start() { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed {
		return
	}
	t.started = true
	t.wg.Add(1)
	go t.acceptLoop()
}

// SetPeer registers the data-plane address of node id. Re-registering
// under a new address drops the old link.
func (t *QUICTransport) SetPeer(id uint32, addr string) { // A
	if id == t.cfg.NodeID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	p, old := t.peers.set(t.ctx, id, addr, t.cfg.PeerQueue)
	if old != nil {
		old.cancel()
	}
	if p == nil {
		return
	}
	t.log.Debug("peer registered", logKeyPeer, id, logKeyAddress, addr)
	t.wg.Add(1)
	go t.writeLoop(p)
}

// RemovePeer forgets node id and closes its outbound link.
func (t *QUICTransport) RemovePeer(id uint32) { // A
	if p := t.peers.remove(id); p != nil {
		p.cancel()
		t.log.Debug("peer removed", logKeyPeer, id)
	}
}

// Peers returns the registered peer ids in ascending order.
func (t *QUICTransport) Peers() []uint32 { // A
	all := t.peers.all()
	out := make([]uint32, len(all))
	for i, p := range all {
		out[i] = p.id
	}
	return out
}

// Send queues data for node id.
func (t *QUICTransport) Send(ctx context.Context, id uint32, data []byte) error { // A
	p := t.peers.get(id)
	if p == nil {
		return fmt.Errorf("send to %d: %w", id, ErrUnknownPeer)
	}
	return t.enqueue(ctx, p, data)
}

// Broadcast queues data for every registered peer.
func (t *QUICTransport) Broadcast(ctx context.Context, data []byte) error { // A
	var errs []error
	for _, p := range t.peers.all() {
		if err := t.enqueue(ctx, p, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *QUICTransport) enqueue( // A
	ctx context.Context,
	p *peer,
	data []byte,
) error {
	select {
	case p.out <- data:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("send to %d: %w", p.id, ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("send to %d: queue full", p.id)
	}
}

// Close stops every goroutine and closes all connections.
func (t *QUICTransport) Close() error { // A
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*quic.Conn, 0, len(t.inbound))
	for c := range t.inbound {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()
	for _, p := range t.peers.clear() {
		p.cancel()
	}
	for _, c := range conns {
		_ = c.CloseWithError(0, "closing")
	}
	err := t.listener.Close()
	t.wg.Wait()
	return err
}

func (t *QUICTransport) writeLoop(p *peer) { // A
	defer t.wg.Done()
	defer p.reset("peer removed")
	for {
		select {
		case <-p.ctx.Done():
			return
		case data := <-p.out:
			if err := t.write(p, data); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				t.log.Warn("dropping frame",
					logKeyPeer, p.id,
					logKeyAddress, p.addr,
					logKeyError, err)
				p.reset("write failed")
			}
		}
	}
}

func (t *QUICTransport) write(p *peer, data []byte) error { // A
	if p.stream == nil {
		if err := t.connect(p); err != nil {
			return err
		}
	}
	return wire.WriteFrame(p.stream, data)
}

// connect dials p with exponential backoff bounded by DialTimeout and
// sends the hello frame.
func (t *QUICTransport) connect(p *peer) error { // A
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = t.cfg.DialTimeout
	return backoff.Retry(func() error {
		conn, err := quic.DialAddr(
			p.ctx,
			p.addr,
			t.clientTLSConfig(),
			t.quicConfig(),
		)
		if err != nil {
			return fmt.Errorf("dial %s: %w", p.addr, err)
		}
		stream, err := conn.OpenStreamSync(p.ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "open stream")
			return fmt.Errorf("open stream to %s: %w", p.addr, err)
		}
		var hello [helloSize]byte
		binary.BigEndian.PutUint32(hello[:], t.cfg.NodeID)
		if err := wire.WriteFrame(stream, hello[:]); err != nil {
			_ = conn.CloseWithError(0, "hello")
			return fmt.Errorf("hello to %s: %w", p.addr, err)
		}
		p.conn, p.stream = conn, stream
		t.log.Debug("connected", logKeyPeer, p.id, logKeyAddress, p.addr)
		return nil
	}, backoff.WithContext(b, p.ctx))
}

func (t *QUICTransport) acceptLoop() { // A
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("accept failed", logKeyError, err)
			}
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.CloseWithError(0, "closing")
			return
		}
		t.inbound[conn] = struct{}{}
		t.wg.Add(1)
		t.mu.Unlock()
		go t.serveConn(conn)
	}
}

func (t *QUICTransport) serveConn(conn *quic.Conn) { // A
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
	}()
	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.readStream(conn, stream)
	}
}

func (t *QUICTransport) readStream(conn *quic.Conn, stream *quic.Stream) { // A
	defer t.wg.Done()
	hello, err := wire.ReadFrame(stream)
	if err != nil || len(hello) != helloSize {
		t.log.Warn("bad hello",
			logKeyAddress, conn.RemoteAddr().String(),
			logKeyError, err)
		stream.CancelRead(0)
		return
	}
	from := binary.BigEndian.Uint32(hello)
	for {
		data, err := wire.ReadFrame(stream)
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Debug("stream ended", logKeyPeer, from, logKeyError, err)
			}
			return
		}
		t.mu.Lock()
		r := t.receiver
		t.mu.Unlock()
		if r != nil {
			r(from, data)
		}
	}
}

func (t *QUICTransport) serverTLSConfig() *tls.Config { // A
	return &tls.Config{
		Certificates: []tls.Certificate{t.tlsCert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519MLKEM768,
			tls.X25519,
		},
	}
}

func (t *QUICTransport) clientTLSConfig() *tls.Config { // A
	return &tls.Config{
		// #nosec G402 -- wire cryptography and peer authentication are
		// outside this transport; TLS only provides the QUIC handshake.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{
			tls.X25519MLKEM768,
			tls.X25519,
		},
	}
}

func (t *QUICTransport) quicConfig() *quic.Config { // A
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		MaxIdleTimeout:       idleTimeout,
		KeepAlivePeriod:      keepAlive,
	}
}

// generateSelfSignedCert creates the throwaway certificate the QUIC
// handshake needs.
func generateSelfSignedCert() (tls.Certificate, error) { // A
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serialNumber, err := rand.Int(
		rand.Reader,
		new(big.Int).Lsh(big.NewInt(1), 128),
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"ouroboros-cpg"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidityDays * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}
	certDER, err := x509.CreateCertificate(
		rand.Reader,
		tmpl,
		tmpl,
		&key.PublicKey,
		key,
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
