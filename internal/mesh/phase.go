package mesh

// Phase is a state in the per-peer connection lifecycle. Every phase
// except Discovered carries a timeout; a peer still in the same phase
// when its timer fires auto-transitions (or, from PhaseError, is removed
// together with its retry carryover).
type Phase uint8

const (
	PhaseDiscovered Phase = iota + 1
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
	PhaseRejected
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovered:
		return "discovered"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseRejected:
		return "rejected"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// regressionFrom reports whether moving from p to next would revive a
// live link as freshly discovered. Discovery echoes for a peer that is
// already connecting or connected must not reset its state.
func regressionFrom(p, next Phase) bool {
	if next != PhaseDiscovered {
		return false
	}
	return p == PhaseConnecting || p == PhaseConnected
}
