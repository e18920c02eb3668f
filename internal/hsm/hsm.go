// Package hsm provides the hierarchical state-machine dispatch core shared
// by the device and API active objects.
//
// A Machine holds a current leaf State and dispatches events by walking the
// Parent chain from that leaf toward the root until a Handle function
// returns Handled or requests a Transition. Entry/Exit hooks run along the
// path between the old and new state on every transition, shallow-to-deep
// on entry and deep-to-shallow on exit.
package hsm

// Signal names an event. Signals are compared by value, so driver packages
// define their own typed constants (e.g. SigEnable) rather than sharing a
// single enum across unrelated state machines.
type Signal string

// Event is the unit of work dispatched through a Machine. Payload carries
// signal-specific data; state Handle functions know how to type-assert it.
type Event struct {
	Signal  Signal
	Payload any
}

// Outcome is the verdict a state's Handle function returns for an event.
type Outcome int

const (
	// Unhandled means the state did not recognise the event; the Machine
	// retries the event against Parent.
	Unhandled Outcome = iota
	// Handled means the event was consumed; dispatch stops here.
	Handled
	// Transition means the event was consumed and the machine should move
	// to Result.Target.
	Transition
)

// Result is returned by a state's Handle function.
type Result struct {
	Outcome Outcome
	Target  *State
}

// HandledResult reports the event as consumed with no state change.
func HandledResult() Result { return Result{Outcome: Handled} }

// UnhandledResult reports that the state's Handle function did not recognise the
// event; the Machine will try Parent next.
func UnhandledResult() Result { return Result{Outcome: Unhandled} }

// TransitionTo reports the event as consumed and requests a move to target.
func TransitionTo(target *State) Result { return Result{Outcome: Transition, Target: target} }

// State is a node in the HSM tree. Entry and Exit are optional hooks run on
// every transition that crosses this state's boundary; Handle is the
// per-event logic. A nil Handle is equivalent to always returning
// UnhandledResult (useful for pure superstates that exist only to group
// Entry/Exit behaviour, though in this template every superstate also
// handles at least one signal).
type State struct {
	Name   string
	Parent *State
	Entry  func()
	Exit   func()
	Handle func(Event) Result
}

// Machine dispatches events against the tree rooted wherever Parent chains
// terminate, starting from Current.
type Machine struct {
	current *State
	onDrop  func(Event, *State)
}

// NewMachine creates a Machine positioned at initial. onDrop, if non-nil, is
// called whenever an event bubbles all the way to the root unhandled; the
// driver packages use it to log-and-drop per spec's Backstop policy.
func NewMachine(initial *State, onDrop func(Event, *State)) *Machine {
	return &Machine{current: initial, onDrop: onDrop}
}

// Current returns the machine's current leaf state.
func (m *Machine) Current() *State {
	return m.current
}

// Enter runs the entry chain from the root down to the initial state. Call
// this once after construction, mirroring QP's topmost Q_INIT_SIG/entry
// sequence, before any events are dispatched.
func (m *Machine) Enter() {
	path := ancestry(m.current)
	for _, s := range path {
		if s.Entry != nil {
			s.Entry()
		}
	}
}

// Dispatch walks the chain from the current leaf to the root, invoking each
// state's Handle function in turn, until one returns Handled or Transition.
// If the event reaches the root unhandled, onDrop is invoked (if set) and
// dispatch is a no-op.
func (m *Machine) Dispatch(e Event) {
	for s := m.current; s != nil; s = s.Parent {
		if s.Handle == nil {
			continue
		}
		res := s.Handle(e)
		switch res.Outcome {
		case Handled:
			return
		case Transition:
			m.transition(res.Target)
			return
		default:
			// Unhandled: bubble to Parent.
		}
	}
	if m.onDrop != nil {
		m.onDrop(e, m.current)
	}
}

// transition runs the exit chain from the current leaf up to (but not
// including) the lowest common ancestor with target, then the entry chain
// from the LCA down to target, and sets current to target.
func (m *Machine) transition(target *State) {
	oldPath := ancestry(m.current) // root -> old leaf
	newPath := ancestry(target)    // root -> new leaf

	common := 0
	for common < len(oldPath) && common < len(newPath) && oldPath[common] == newPath[common] {
		common++
	}

	for i := len(oldPath) - 1; i >= common; i-- {
		if oldPath[i].Exit != nil {
			oldPath[i].Exit()
		}
	}
	for i := common; i < len(newPath); i++ {
		if newPath[i].Entry != nil {
			newPath[i].Entry()
		}
	}

	m.current = target
}

// ancestry returns the chain from the root down to s, inclusive.
func ancestry(s *State) []*State {
	var rev []*State
	for n := s; n != nil; n = n.Parent {
		rev = append(rev, n)
	}
	path := make([]*State, len(rev))
	for i, s := range rev {
		path[len(rev)-1-i] = s
	}
	return path
}

// InState reports whether s or any of its ancestors is named name. Used by
// tests and diagnostics to check superstate membership without exposing the
// Parent chain.
func InState(s *State, name string) bool {
	for n := s; n != nil; n = n.Parent {
		if n.Name == name {
			return true
		}
	}
	return false
}
