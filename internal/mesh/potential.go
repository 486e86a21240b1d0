package mesh

import (
	"container/list"
	"time"

	"nearmesh/internal/transport"
)

const (
	defaultPotentialCap = 256
	defaultPotentialTTL = 30 * time.Minute
)

// Candidate is a discovered-but-not-connected peer the slot manager may
// dial.
type Candidate struct {
	ID   transport.PeerID
	Name string
}

// potentialPool holds the set of dialable endpoints, newest first, with
// TTL expiry and a size cap. No internal lock: it lives inside the
// registry and is guarded by the registry mutex.
type potentialPool struct {
	cap   int
	ttl   time.Duration
	hot   map[transport.PeerID]*list.Element
	order *list.List
}

type potentialEntry struct {
	cand      Candidate
	expiresAt time.Time
}

func newPotentialPool(capacity int, ttl time.Duration) *potentialPool {
	if capacity <= 0 {
		capacity = defaultPotentialCap
	}
	if ttl <= 0 {
		ttl = defaultPotentialTTL
	}
	return &potentialPool{
		cap:   capacity,
		ttl:   ttl,
		hot:   make(map[transport.PeerID]*list.Element),
		order: list.New(),
	}
}

func (p *potentialPool) add(cand Candidate) {
	if cand.ID == "" {
		return
	}
	p.prune()
	if el, ok := p.hot[cand.ID]; ok {
		ent := el.Value.(*potentialEntry)
		ent.cand = cand
		ent.expiresAt = time.Now().Add(p.ttl)
		p.order.MoveToFront(el)
		return
	}
	for p.cap > 0 && len(p.hot) >= p.cap {
		p.evictOldest()
	}
	el := p.order.PushFront(&potentialEntry{cand: cand, expiresAt: time.Now().Add(p.ttl)})
	p.hot[cand.ID] = el
}

func (p *potentialPool) remove(id transport.PeerID) {
	if el, ok := p.hot[id]; ok {
		delete(p.hot, id)
		p.order.Remove(el)
	}
}

func (p *potentialPool) list() []Candidate {
	p.prune()
	out := make([]Candidate, 0, len(p.hot))
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*potentialEntry).cand)
	}
	return out
}

func (p *potentialPool) prune() {
	now := time.Now()
	for el := p.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*potentialEntry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(p.hot, ent.cand.ID)
		p.order.Remove(el)
		el = prev
	}
}

func (p *potentialPool) evictOldest() {
	el := p.order.Back()
	if el == nil {
		return
	}
	ent := el.Value.(*potentialEntry)
	delete(p.hot, ent.cand.ID)
	p.order.Remove(el)
}
