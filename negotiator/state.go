package negotiator

type State int32

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateAwaitingOffer
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Role decides which side of the offer/answer exchange an Engine plays.
type Role int

const (
	// RoleInitiator creates the offer. The operator side.
	RoleInitiator Role = iota
	// RoleResponder waits for offers and answers them. The device side.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}
