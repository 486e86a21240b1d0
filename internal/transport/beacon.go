package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

// beaconMsg is the multicast advertisement: the persistent name plus the
// UDP port the sender's QUIC listener is bound to. The host half of the
// link address comes from the datagram's source address.
type beaconMsg struct {
	Name string `cbor:"1,keyasint"`
	Port int    `cbor:"2,keyasint"`
}

const maxBeaconSize = 512

func (t *QUICTransport) StartAdvertising(_ context.Context, localName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if t.advertising {
		return ErrAlreadyRunning
	}
	port, err := listenPort(t.listener.Addr())
	if err != nil {
		return err
	}
	payload, err := cbor.Marshal(beaconMsg{Name: localName, Port: port})
	if err != nil {
		return err
	}
	conn, err := net.Dial("udp4", t.cfg.BeaconAddr)
	if err != nil {
		return fmt.Errorf("beacon dial: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.advertising = true
	t.advertStop = cancel
	t.localName = localName
	go t.beaconLoop(ctx, conn, payload)
	return nil
}

func (t *QUICTransport) beaconLoop(ctx context.Context, conn net.Conn, payload []byte) {
	defer conn.Close()
	ticker := time.NewTicker(t.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		if _, err := conn.Write(payload); err != nil {
			t.log.WithError(err).Debug("beacon write failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *QUICTransport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if !t.advertising {
		return ErrNotRunning
	}
	t.advertStop()
	t.advertStop = nil
	t.advertising = false
	return nil
}

func (t *QUICTransport) StartDiscovery(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if t.discovering {
		return ErrAlreadyRunning
	}
	gaddr, err := net.ResolveUDPAddr("udp4", t.cfg.BeaconAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return fmt.Errorf("beacon listen: %w", err)
	}
	_ = conn.SetReadBuffer(1 << 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.discovering = true
	t.discStop = func() {
		cancel()
		_ = conn.Close()
	}
	go t.discoverLoop(ctx, conn)
	go t.expireLoop(ctx)
	return nil
}

func (t *QUICTransport) StopDiscovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrStopped
	}
	if !t.discovering {
		return ErrNotRunning
	}
	t.discStop()
	t.discStop = nil
	t.discovering = false
	return nil
}

func (t *QUICTransport) discoverLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxBeaconSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		var msg beaconMsg
		if err := cbor.Unmarshal(buf[:n], &msg); err != nil || msg.Name == "" || msg.Port <= 0 {
			continue
		}
		t.observeBeacon(msg, src)
	}
}

func (t *QUICTransport) observeBeacon(msg beaconMsg, src *net.UDPAddr) {
	addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(msg.Port))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || !t.discovering {
		return
	}
	// Our own beacon loops back on multicast.
	if msg.Name == t.localName && t.localName != "" {
		return
	}
	if ep, ok := t.endpoints[addr]; ok {
		ep.lastSeen = time.Now()
		if ep.name != msg.Name {
			ep.name = msg.Name
			t.emitLocked(EndpointFound{Peer: ep.id, Name: ep.name})
		}
		return
	}
	ep := &quicEndpoint{
		id:       t.allocIDLocked(),
		name:     msg.Name,
		addr:     addr,
		lastSeen: time.Now(),
	}
	t.endpoints[addr] = ep
	t.byID[ep.id] = ep
	t.emitLocked(EndpointFound{Peer: ep.id, Name: ep.name})
	t.log.WithFields(logrus.Fields{"peer": ep.id, "name": ep.name, "addr": addr}).Debug("endpoint found")
}

func (t *QUICTransport) expireLoop(ctx context.Context) {
	interval := t.cfg.BeaconExpiry / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.expireEndpoints()
		}
	}
}

func (t *QUICTransport) expireEndpoints() {
	cutoff := time.Now().Add(-t.cfg.BeaconExpiry)
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, ep := range t.endpoints {
		if ep.lastSeen.After(cutoff) {
			continue
		}
		// Established links outlive beacon silence; only unconnected
		// endpoints get reported lost.
		if _, connected := t.conns[ep.id]; connected {
			continue
		}
		delete(t.endpoints, addr)
		delete(t.byID, ep.id)
		t.emitLocked(EndpointLost{Peer: ep.id})
	}
}

func listenPort(addr net.Addr) (int, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
