package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"nearmesh/internal/proto"
)

const (
	quicALPN        = "nearmesh-link"
	quicRejectCode  = quic.ApplicationErrorCode(0x6e72) // "nr": deliberate rejection
	quicByeCode     = quic.ApplicationErrorCode(0)
	helloTimeout    = 8 * time.Second
	quicEventBuffer = 1024
)

// linkHello opens every QUIC link: the dialer announces its persistent
// name, the acceptor answers with its own once the connection is admitted.
type linkHello struct {
	Name string `cbor:"1,keyasint"`
}

// QUICConfig configures the bundled QUIC/UDP-multicast transport.
type QUICConfig struct {
	// ListenAddr is the UDP address for inbound QUIC links, e.g. ":0".
	ListenAddr string
	// BeaconAddr is the multicast group used for advertising/discovery.
	BeaconAddr string
	// BeaconInterval is how often an advertising node beacons.
	BeaconInterval time.Duration
	// BeaconExpiry is the silence after which a discovered endpoint is
	// reported lost.
	BeaconExpiry time.Duration
	Logger       *logrus.Entry
}

func (c *QUICConfig) withDefaults() QUICConfig {
	out := *c
	if out.ListenAddr == "" {
		out.ListenAddr = ":0"
	}
	if out.BeaconAddr == "" {
		out.BeaconAddr = "239.77.77.77:7677"
	}
	if out.BeaconInterval <= 0 {
		out.BeaconInterval = 2 * time.Second
	}
	if out.BeaconExpiry <= 0 {
		out.BeaconExpiry = 3 * out.BeaconInterval
	}
	if out.Logger == nil {
		out.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return out
}

// QUICTransport implements Transport over QUIC point-to-point links with
// UDP multicast beaconing standing in for radio discovery. It is the
// "real" transport the node daemon runs on; the mesh core itself never
// sees any of this.
type QUICTransport struct {
	cfg QUICConfig
	log *logrus.Entry

	listener *quic.Listener
	events   chan Event

	mu          sync.Mutex
	stopped     bool
	advertising bool
	discovering bool
	advertStop  context.CancelFunc
	discStop    context.CancelFunc
	localName   string
	nextID      int
	endpoints   map[string]*quicEndpoint // keyed by remote link addr
	byID        map[PeerID]*quicEndpoint
	conns       map[PeerID]*quicLink
	pending     map[PeerID]*quicLink
}

type quicEndpoint struct {
	id       PeerID
	name     string
	addr     string
	lastSeen time.Time
}

type quicLink struct {
	id      PeerID
	conn    *quic.Conn
	stream  *quic.Stream
	writeMu sync.Mutex
}

func NewQUIC(cfg QUICConfig) (*QUICTransport, error) {
	cfg = cfg.withDefaults()
	tlsConf, err := linkTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	t := &QUICTransport{
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "quic-transport"),
		listener:  listener,
		events:    make(chan Event, quicEventBuffer),
		endpoints: make(map[string]*quicEndpoint),
		byID:      make(map[PeerID]*quicEndpoint),
		conns:     make(map[PeerID]*quicLink),
		pending:   make(map[PeerID]*quicLink),
	}
	go t.acceptLoop()
	return t, nil
}

// LinkAddr returns the address inbound QUIC links should dial, as
// advertised in beacons.
func (t *QUICTransport) LinkAddr() string {
	return t.listener.Addr().String()
}

func (t *QUICTransport) Events() <-chan Event { return t.events }

func (t *QUICTransport) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitLocked(ev)
}

func (t *QUICTransport) emitLocked(ev Event) {
	if t.stopped {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warn("event buffer saturated, dropping event")
	}
}

func (t *QUICTransport) allocIDLocked() PeerID {
	t.nextID++
	return PeerID(fmt.Sprintf("q-%d", t.nextID))
}

func (t *QUICTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(context.Background())
		if err != nil {
			return
		}
		go t.handleInbound(conn)
	}
}

func (t *QUICTransport) handleInbound(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), helloTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicByeCode, "no stream")
		return
	}
	data, err := proto.ReadLengthPrefixed(stream)
	if err != nil {
		_ = conn.CloseWithError(quicByeCode, "bad hello")
		return
	}
	var hello linkHello
	if err := cbor.Unmarshal(data, &hello); err != nil || hello.Name == "" {
		_ = conn.CloseWithError(quicByeCode, "bad hello")
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = conn.CloseWithError(quicByeCode, "stopped")
		return
	}
	id := t.allocIDLocked()
	t.pending[id] = &quicLink{id: id, conn: conn, stream: stream}
	t.emitLocked(ConnectionInitiated{Peer: id})
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{"peer": id, "name": hello.Name}).Debug("inbound link awaiting admission")
}

func (t *QUICTransport) AcceptConnection(peer PeerID) error {
	t.mu.Lock()
	link, ok := t.pending[peer]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownPeer
	}
	delete(t.pending, peer)
	localName := t.localName
	t.mu.Unlock()

	ack, err := cbor.Marshal(linkHello{Name: localName})
	if err != nil {
		return err
	}
	if err := link.write(ack); err != nil {
		_ = link.conn.CloseWithError(quicByeCode, "ack failed")
		return err
	}

	t.mu.Lock()
	t.conns[peer] = link
	t.emitLocked(ConnectionResult{Peer: peer, Outcome: OutcomeOK})
	t.mu.Unlock()

	go t.readLoop(link)
	return nil
}

func (t *QUICTransport) RejectConnection(peer PeerID) error {
	t.mu.Lock()
	link, ok := t.pending[peer]
	if ok {
		delete(t.pending, peer)
	}
	t.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	return link.conn.CloseWithError(quicRejectCode, "rejected")
}

func (t *QUICTransport) RequestConnection(_ context.Context, localName string, peer PeerID) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	ep, ok := t.byID[peer]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownPeer
	}
	addr := ep.addr
	t.mu.Unlock()

	go t.dial(localName, peer, addr)
	return nil
}

func (t *QUICTransport) dial(localName string, peer PeerID, addr string) {
	outcome := OutcomeError
	defer func() {
		if outcome != OutcomeOK {
			t.emit(ConnectionResult{Peer: peer, Outcome: outcome})
		}
	}()

	tlsConf, err := linkClientTLSConfig()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), helloTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		t.log.WithError(err).WithField("addr", addr).Debug("dial failed")
		return
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicByeCode, "no stream")
		return
	}
	link := &quicLink{id: peer, conn: conn, stream: stream}

	hello, err := cbor.Marshal(linkHello{Name: localName})
	if err != nil {
		_ = conn.CloseWithError(quicByeCode, "hello encode")
		return
	}
	if err := link.write(hello); err != nil {
		_ = conn.CloseWithError(quicByeCode, "hello write")
		return
	}
	ack, err := proto.ReadLengthPrefixed(stream)
	if err != nil {
		if isRejection(err) {
			outcome = OutcomeRejected
		}
		return
	}
	var helloAck linkHello
	if err := cbor.Unmarshal(ack, &helloAck); err != nil {
		_ = conn.CloseWithError(quicByeCode, "bad ack")
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = conn.CloseWithError(quicByeCode, "stopped")
		return
	}
	t.conns[peer] = link
	outcome = OutcomeOK
	t.emitLocked(ConnectionResult{Peer: peer, Outcome: OutcomeOK})
	t.mu.Unlock()

	go t.readLoop(link)
}

func isRejection(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.ErrorCode == quicRejectCode
}

func (t *QUICTransport) readLoop(link *quicLink) {
	for {
		data, err := proto.ReadLengthPrefixed(link.stream)
		if err != nil {
			t.dropLink(link.id)
			return
		}
		t.emit(PayloadReceived{Peer: link.id, Data: data})
	}
}

func (t *QUICTransport) dropLink(peer PeerID) {
	t.mu.Lock()
	link, ok := t.conns[peer]
	if ok {
		delete(t.conns, peer)
		t.emitLocked(Disconnected{Peer: peer})
	}
	t.mu.Unlock()
	if ok {
		_ = link.conn.CloseWithError(quicByeCode, "bye")
	}
}

func (t *QUICTransport) Disconnect(peer PeerID) error {
	t.mu.Lock()
	_, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	t.dropLink(peer)
	return nil
}

func (t *QUICTransport) Send(peer PeerID, data []byte) error {
	t.mu.Lock()
	link, ok := t.conns[peer]
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !ok {
		return ErrNotConnected
	}
	if err := link.write(data); err != nil {
		t.dropLink(peer)
		return err
	}
	return nil
}

func (t *QUICTransport) SendToMany(peers []PeerID, data []byte) error {
	var firstErr error
	for _, p := range peers {
		if err := t.Send(p, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *quicLink) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return proto.WriteLengthPrefixed(l.stream, data)
}

func (t *QUICTransport) StopAll() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	t.stopped = true
	if t.advertStop != nil {
		t.advertStop()
		t.advertStop = nil
		t.advertising = false
	}
	if t.discStop != nil {
		t.discStop()
		t.discStop = nil
		t.discovering = false
	}
	conns := make([]*quicLink, 0, len(t.conns)+len(t.pending))
	for _, l := range t.conns {
		conns = append(conns, l)
	}
	for _, l := range t.pending {
		conns = append(conns, l)
	}
	t.conns = make(map[PeerID]*quicLink)
	t.pending = make(map[PeerID]*quicLink)
	close(t.events)
	t.mu.Unlock()

	for _, l := range conns {
		_ = l.conn.CloseWithError(quicByeCode, "stopping")
	}
	return t.listener.Close()
}

// Deterministic self-signed certs, seeded the same on every node. The
// transport carries link encryption only; peer identity is the advertised
// name, not the certificate.
func linkTLSCert() (tls.Certificate, []byte, error) {
	seed := sha3.Sum256([]byte("nearmesh:link-tls:v1"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(20 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"nearmesh"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func linkTLSConfig() (*tls.Config, error) {
	cert, _, err := linkTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func linkClientTLSConfig() (*tls.Config, error) {
	_, der, err := linkTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{quicALPN},
		ServerName: "nearmesh",
	}, nil
}
