package capture

// State is the capture session state.
type State int

const (
	// StateIdle means no device session is open.
	StateIdle State = iota
	// StatePreviewing means frames stream continuously and none is requested.
	StatePreviewing
	// StateCaptureRequested means the next delivered frame goes to the pipeline.
	StateCaptureRequested
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreviewing:
		return "previewing"
	case StateCaptureRequested:
		return "capture_requested"
	default:
		return "unknown"
	}
}

// Event drives state transitions.
type Event int

const (
	// EventOpened fires once the device is open and the session configured.
	EventOpened Event = iota
	// EventTrigger requests that the next frame be analyzed.
	EventTrigger
	// EventFrameDelivered fires when a requested frame is handed off.
	EventFrameDelivered
	// EventClosed fires on an orderly close.
	EventClosed
	// EventDisconnected fires when the device goes away.
	EventDisconnected
	// EventError fires on a device or session failure.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventOpened:
		return "opened"
	case EventTrigger:
		return "trigger"
	case EventFrameDelivered:
		return "frame_delivered"
	case EventClosed:
		return "closed"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Transition returns the state that follows s on event e. Events that do not
// apply to s leave it unchanged, so a trigger while a capture is already
// requested is absorbed rather than queued.
func Transition(s State, e Event) State {
	switch e {
	case EventClosed, EventDisconnected, EventError:
		return StateIdle
	}

	switch s {
	case StateIdle:
		if e == EventOpened {
			return StatePreviewing
		}
	case StatePreviewing:
		if e == EventTrigger {
			return StateCaptureRequested
		}
	case StateCaptureRequested:
		if e == EventFrameDelivered {
			return StatePreviewing
		}
	}
	return s
}

// Listener is notified of every state change. Listeners run synchronously on
// the goroutine that caused the change and must not call back into the Source.
type Listener func(prev, next State, e Event)
