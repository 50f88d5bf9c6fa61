package capture

// MsgKind enumerates the messages exchanged between the control plane and
// the capture worker. Init, start, stop and reconfigure flow to the
// worker; frame and status flow back.
type MsgKind int

const (
	MsgInit MsgKind = iota + 1
	MsgStart
	MsgStop
	MsgReconfigure
	MsgFrame
	MsgStatus
)

func (k MsgKind) String() string {
	switch k {
	case MsgInit:
		return "init"
	case MsgStart:
		return "start"
	case MsgStop:
		return "stop"
	case MsgReconfigure:
		return "reconfigure"
	case MsgFrame:
		return "frame"
	case MsgStatus:
		return "status"
	}
	return "unknown"
}

// Command is a control plane request. Config is read by MsgInit, Patch by
// MsgReconfigure.
type Command struct {
	Kind   MsgKind
	Config Config
	Patch  Patch

	reply chan Reply
}

// Reply answers a Command. Changed is true when a start spawned a process,
// a stop terminated one, or a reconfigure restarted one.
type Reply struct {
	Status  Status
	Changed bool
	Err     error
}

// Event is a worker message. Frame is set for MsgFrame and must be
// released by the receiver; Status for MsgStatus.
type Event struct {
	Kind   MsgKind
	Frame  *Block
	Status Status
}

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

type Status struct {
	State     State  `json:"state"`
	Config    Config `json:"config"`
	FrameSize int    `json:"frameSize"`
	PID       int    `json:"pid,omitempty"`

	Extracted uint64 `json:"extracted"`
	Forwarded uint64 `json:"forwarded"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`
	// Overflow counts frames discarded because the sink lagged behind.
	Overflow uint64 `json:"overflow"`

	Err string `json:"error,omitempty"`
}

func (s Status) Running() bool { return s.State == StateRunning }
