// Package handshake gates video delivery on two independent readiness
// signals: the viewer page finishing its setup and the video being staged.
package handshake

type State int

const (
	Init State = iota
	WaitingForBoth
	Ready
	Delivered
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case WaitingForBoth:
		return "waiting_for_both"
	case Ready:
		return "ready"
	case Delivered:
		return "delivered"
	default:
		return "unknown"
	}
}

type Signal int

const (
	ViewerReady Signal = iota + 1
	VideoReady
)

func (s Signal) String() string {
	switch s {
	case ViewerReady:
		return "viewer_ready"
	case VideoReady:
		return "video_ready"
	default:
		return "unknown"
	}
}

// Transition describes the effect of one signal. Deliver is true on exactly
// one transition over the controller's lifetime. First reports whether this
// was the first signal of its kind.
type Transition struct {
	From    State
	To      State
	Signal  Signal
	Deliver bool
	First   bool
}

// Controller is not safe for concurrent use; it is meant to be owned by a
// single event loop.
type Controller struct {
	state  State
	viewer bool
	video  bool
}

func New() *Controller {
	return &Controller{state: Init}
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) Signal(sig Signal) Transition {
	t := Transition{From: c.state, Signal: sig}

	switch sig {
	case ViewerReady:
		t.First = !c.viewer
		c.viewer = true
	case VideoReady:
		t.First = !c.video
		c.video = true
	default:
		t.To = c.state
		return t
	}

	c.state, t.Deliver = next(c.state, c.viewer, c.video)
	t.To = c.state
	return t
}

// next is the only place the state changes. Ready is transient: reaching
// it moves straight on to Delivered, which is terminal.
func next(s State, viewer, video bool) (State, bool) {
	switch {
	case s == Delivered:
		return Delivered, false
	case viewer && video:
		return Delivered, true
	case viewer || video:
		return WaitingForBoth, false
	}
	return Init, false
}
