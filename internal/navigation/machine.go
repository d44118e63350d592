package navigation

import (
	"sync"

	"github.com/banshee-data/routelock/internal/monitoring"
	"github.com/banshee-data/routelock/internal/world"
)

// Navigator holds the current game state. Handle must be called from a single
// goroutine; State may be called from any goroutine.
type Navigator struct {
	world *world.World
	opts  Options

	mu          sync.RWMutex
	state       State
	transitions uint64
}

// NewNavigator creates a Navigator in NotInGame.
func NewNavigator(w *world.World, opts Options) *Navigator {
	return &Navigator{world: w, opts: opts.withDefaults(), state: NotInGame{}}
}

// Options returns the effective options.
func (n *Navigator) Options() Options {
	return n.opts
}

// State returns the current state.
func (n *Navigator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Transitions returns how many events changed the state variant.
func (n *Navigator) Transitions() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.transitions
}

// Handle applies e and stores the resulting state. A change of variant is
// reported as a StateNotification ahead of the transition's own
// notifications.
func (n *Navigator) Handle(e Event) Result {
	prev := n.State()
	res := Transition(prev, e, n.world, n.opts)

	if res.State.Name() != prev.Name() {
		sn := StateNotification{From: prev.Name(), To: res.State.Name(), Err: ErrOf(res.State)}
		res.Notifications = append([]Notification{sn}, res.Notifications...)
		if sn.Err != nil {
			monitoring.Logf("navigation: %s -> %s: %v", sn.From, sn.To, sn.Err)
		}
	}

	n.mu.Lock()
	n.state = res.State
	if res.State.Name() != prev.Name() {
		n.transitions++
	}
	n.mu.Unlock()
	return res
}
