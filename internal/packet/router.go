// Package packet implements the flood-routing engine: wrapping payloads
// in TTL-carrying packets, deduplicating by packet id, and producing
// forward copies for rebroadcast.
package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"nearmesh/internal/proto"
)

const (
	DefaultTTL        = 5
	DefaultSeenTTL    = 10 * time.Minute
	DefaultMaxPayload = 32 << 10
)

var ErrOversizedPayload = errors.New("payload exceeds broadcast limit")

// Disposition classifies an inbound packet.
type Disposition uint8

const (
	// Duplicate: packet id already seen; drop, never forward.
	Duplicate Disposition = iota + 1
	// Delivered: first sighting; hand the payload up. Forward is non-nil
	// when a relay copy should go out.
	Delivered
)

type Result struct {
	Disposition Disposition
	Packet      proto.Packet
	// Forward is a fully framed relay copy with TTL decremented by one,
	// or nil when TTL is exhausted (or the packet is a duplicate).
	Forward []byte
}

type Router struct {
	defaultTTL uint8
	maxPayload int
	// seen maps packet id to first-seen time. Entries expire after the
	// seen TTL; without that the set is a slow memory leak in any
	// long-running mesh.
	seen *lru.LRU[string, time.Time]
	log  *logrus.Entry
}

type Options struct {
	DefaultTTL uint8
	SeenTTL    time.Duration
	MaxPayload int
	Logger     *logrus.Entry
}

func NewRouter(opts Options) *Router {
	ttl := opts.DefaultTTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	seenTTL := opts.SeenTTL
	if seenTTL <= 0 {
		seenTTL = DefaultSeenTTL
	}
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{
		defaultTTL: ttl,
		maxPayload: maxPayload,
		seen:       lru.NewLRU[string, time.Time](0, nil, seenTTL),
		log:        log,
	}
}

// CreateBroadcast wraps payload in a fresh packet at full TTL and returns
// the framed bytes ready for the transport. The id is marked seen locally
// so an echoed copy from a neighbor is dropped instead of re-delivered.
func (r *Router) CreateBroadcast(kind proto.PacketKind, payload []byte) ([]byte, proto.Packet, error) {
	if len(payload) > r.maxPayload {
		return nil, proto.Packet{}, fmt.Errorf("%w: %d > %d", ErrOversizedPayload, len(payload), r.maxPayload)
	}
	p := proto.Packet{
		ID:      uuid.NewString(),
		TTL:     r.defaultTTL,
		Kind:    kind,
		Payload: payload,
	}
	data, err := proto.EncodePacketFrame(p)
	if err != nil {
		return nil, proto.Packet{}, err
	}
	r.seen.Add(p.ID, time.Now())
	return data, p, nil
}

// HandleIncoming decodes a packet body and decides its fate.
func (r *Router) HandleIncoming(body []byte) (Result, error) {
	p, err := proto.DecodePacket(body)
	if err != nil {
		return Result{}, err
	}
	if _, ok := r.seen.Get(p.ID); ok {
		return Result{Disposition: Duplicate, Packet: p}, nil
	}
	r.seen.Add(p.ID, time.Now())

	res := Result{Disposition: Delivered, Packet: p}
	if p.TTL == 0 {
		return res, nil
	}
	fwd := p
	fwd.TTL = p.TTL - 1
	data, err := proto.EncodePacketFrame(fwd)
	if err != nil {
		// The packet decoded, so re-encoding cannot fail; deliver without
		// forwarding if it somehow does.
		r.log.WithError(err).Warn("dropping forward copy")
		return res, nil
	}
	res.Forward = data
	return res, nil
}

// SeenLen returns the number of live entries in the dedup cache.
func (r *Router) SeenLen() int {
	return r.seen.Len()
}
