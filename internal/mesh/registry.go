package mesh

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nearmesh/internal/graph"
	"nearmesh/internal/metrics"
	"nearmesh/internal/transport"
)

var (
	// ErrPhaseRegression marks a rejected transition that would reset a
	// live link back to freshly discovered.
	ErrPhaseRegression = errors.New("phase regression rejected")
	ErrRegistryStopped = errors.New("registry stopped")
)

// PeerState is the registry's record for one link session. The timer and
// generation counter implement phase expiry: every transition bumps gen,
// so a timer callback scheduled for an older generation finds the
// mismatch and does nothing.
type PeerState struct {
	ID    transport.PeerID
	Name  string
	Phase Phase
	Since time.Time

	timer *time.Timer
	gen   uint64
}

// PeerInfo is the exported snapshot of a PeerState.
type PeerInfo struct {
	ID    transport.PeerID
	Name  string
	Phase Phase
	Since time.Time
}

// Registry owns all per-peer connection state, the potential-peer pool,
// retry counters and the topology graph. One mutex guards the lot, so a
// phase transition plus its timer reschedule is atomic against readers.
type Registry struct {
	cfg       Config
	localName string
	log       logrus.FieldLogger
	metrics   *metrics.Metrics

	// onExpire is invoked, outside the lock, after a phase timer fires
	// and the transition has been applied. It reports the phase that
	// timed out.
	onExpire func(id transport.PeerID, name string, expired Phase)

	mu        sync.Mutex
	states    map[transport.PeerID]*PeerState
	retries   map[string]int
	potential *potentialPool
	graph     *graph.Graph
	stopped   bool
}

func NewRegistry(cfg Config, localName string, log logrus.FieldLogger, m *metrics.Metrics, onExpire func(transport.PeerID, string, Phase)) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.New()
	}
	if onExpire == nil {
		onExpire = func(transport.PeerID, string, Phase) {}
	}
	return &Registry{
		cfg:       cfg,
		localName: localName,
		log:       log,
		metrics:   m,
		onExpire:  onExpire,
		states:    make(map[transport.PeerID]*PeerState),
		retries:   make(map[string]int),
		potential: newPotentialPool(0, 0),
		graph:     graph.New(),
	}
}

// UpdateStatus moves peer id into phase, creating the record if needed.
// A repeat of the current phase is a refresh: the expiry timer restarts.
// Transitions that would regress a live link to discovered are rejected.
func (r *Registry) UpdateStatus(id transport.PeerID, name string, phase Phase) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRegistryStopped
	}
	st, ok := r.states[id]
	if !ok {
		st = &PeerState{ID: id}
		r.states[id] = st
	} else if regressionFrom(st.Phase, phase) {
		r.mu.Unlock()
		return ErrPhaseRegression
	}
	if name != "" {
		st.Name = name
	}
	prev := st.Phase
	r.transitionLocked(st, phase)
	r.mu.Unlock()

	if prev != phase {
		r.log.WithFields(logrus.Fields{
			"peer": id,
			"name": name,
			"from": prev.String(),
			"to":   phase.String(),
		}).Debug("peer phase transition")
	}
	return nil
}

// transitionLocked applies the phase change, restarts the expiry timer
// for the new phase, and keeps the connected gauge current.
func (r *Registry) transitionLocked(st *PeerState, phase Phase) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	prev := st.Phase
	st.Phase = phase
	st.Since = time.Now()
	st.gen++

	if prev != phase {
		r.metrics.PhaseTransitions.WithLabelValues(prev.String(), phase.String()).Inc()
		if prev == PhaseConnected || phase == PhaseConnected {
			r.metrics.ConnectedPeers.Set(float64(r.connectedCountLocked()))
		}
	}

	d := r.timeoutFor(phase)
	if d <= 0 {
		return
	}
	id, gen := st.ID, st.gen
	st.timer = time.AfterFunc(d, func() { r.expire(id, gen) })
}

func (r *Registry) timeoutFor(phase Phase) time.Duration {
	switch phase {
	case PhaseConnecting:
		return r.cfg.ConnectingTimeout
	case PhaseConnected:
		return r.cfg.ConnectedTimeout
	case PhaseDisconnected:
		return r.cfg.DisconnectedTimeout
	case PhaseRejected:
		return r.cfg.RejectedTimeout
	case PhaseError:
		return r.cfg.ErrorTimeout
	default:
		return 0
	}
}

// expire is the timer callback. A stale generation means the peer moved
// on (or refreshed) after this timer was armed, so it is a no-op. An
// expiring error phase removes the record and its retry carryover; any
// other expiring phase degrades to the error phase.
func (r *Registry) expire(id transport.PeerID, gen uint64) {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok || st.gen != gen || r.stopped {
		r.mu.Unlock()
		return
	}
	expired := st.Phase
	name := st.Name
	if expired == PhaseError {
		r.removeLocked(st)
		delete(r.retries, name)
	} else {
		r.transitionLocked(st, PhaseError)
	}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"peer":  id,
		"name":  name,
		"phase": expired.String(),
	}).Debug("peer phase timed out")
	r.onExpire(id, name, expired)
}

// Remove drops the record for id, if any, and returns its last snapshot.
func (r *Registry) Remove(id transport.PeerID) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return PeerInfo{}, false
	}
	info := snapshotOf(st)
	r.removeLocked(st)
	return info, true
}

func (r *Registry) removeLocked(st *PeerState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	wasConnected := st.Phase == PhaseConnected
	delete(r.states, st.ID)
	if wasConnected {
		r.metrics.ConnectedPeers.Set(float64(r.connectedCountLocked()))
	}
}

func (r *Registry) Get(id transport.PeerID) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return PeerInfo{}, false
	}
	return snapshotOf(st), true
}

// IDByName returns the link session currently tracked for a peer name.
func (r *Registry) IDByName(name string) (transport.PeerID, bool) {
	if name == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.states {
		if st.Name == name {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedCountLocked()
}

func (r *Registry) connectedCountLocked() int {
	n := 0
	for _, st := range r.states {
		if st.Phase == PhaseConnected {
			n++
		}
	}
	return n
}

// ConnectedPeers lists connected records sorted by name.
func (r *Registry) ConnectedPeers() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerInfo, 0, len(r.states))
	for _, st := range r.states {
		if st.Phase == PhaseConnected {
			out = append(out, snapshotOf(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ConnectedIDs lists the link sessions eligible for fan-out sends.
func (r *Registry) ConnectedIDs() []transport.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.PeerID, 0, len(r.states))
	for id, st := range r.states {
		if st.Phase == PhaseConnected {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot lists every tracked record sorted by name then id.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerInfo, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, snapshotOf(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Retry counters are keyed by persistent name, not link session, so the
// attempt count survives the transport rotating the peer's id.

func (r *Registry) IncrementRetry(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[name]++
	return r.retries[name]
}

func (r *Registry) RetryCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries[name]
}

func (r *Registry) ResetRetry(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, name)
}

func (r *Registry) AddPotential(cand Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.potential.add(cand)
}

func (r *Registry) RemovePotential(id transport.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.potential.remove(id)
}

// PotentialPeers lists dialable candidates, most recently seen first.
// Names with an active or parked session are excluded: a live link or
// in-flight attempt must not be dialed twice, and rejected/error names
// sit out their grace window before another try. A name that is merely
// discovered, or recently disconnected, stays dialable.
func (r *Registry) PotentialPeers() []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	busy := make(map[string]struct{}, len(r.states))
	for _, st := range r.states {
		if st.Name == "" {
			continue
		}
		switch st.Phase {
		case PhaseConnecting, PhaseConnected, PhaseRejected, PhaseError:
			busy[st.Name] = struct{}{}
		}
	}
	all := r.potential.list()
	out := all[:0]
	for _, c := range all {
		if _, ok := busy[c.Name]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UpdateLocalNeighbors rewrites this node's own adjacency row from the
// set of currently connected peers. This is the graph's only shrink path.
func (r *Registry) UpdateLocalNeighbors() {
	r.mu.Lock()
	names := make([]string, 0, len(r.states))
	for _, st := range r.states {
		if st.Phase == PhaseConnected && st.Name != "" {
			names = append(names, st.Name)
		}
	}
	r.mu.Unlock()
	r.graph.SetLocal(r.localName, names)
}

// MergeGraph unions a remote adjacency view in and returns edges added.
func (r *Registry) MergeGraph(remote map[string][]string) int {
	added := r.graph.Merge(remote)
	r.metrics.GossipMerges.Inc()
	if added > 0 {
		r.metrics.GossipEdgesAdded.Add(float64(added))
	}
	return added
}

func (r *Registry) Graph() *graph.Graph {
	return r.graph
}

// Stop cancels every pending phase timer. Further updates are refused.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	for _, st := range r.states {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

func snapshotOf(st *PeerState) PeerInfo {
	return PeerInfo{ID: st.ID, Name: st.Name, Phase: st.Phase, Since: st.Since}
}
