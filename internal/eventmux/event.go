package eventmux

// Kind tags a multiplexed event.
type Kind string

const (
	KindTerminal   Kind = "terminal"
	KindStructured Kind = "structured"
	KindComplete   Kind = "complete"
	KindError      Kind = "error"
	KindPing       Kind = "ping"
)

// Event is one item of the merged stream.
//
// Terminal and structured events carry the event log sequence number of the
// entry they were built from; across those, Seq is strictly increasing.
// Complete, error and ping events have Synthetic set and repeat the last Seq
// emitted, so Seq is not unique across the whole stream. Resume tokens must
// be taken from events where Synthetic is false.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	Seq       int64                  `json:"seq"`
	Synthetic bool                   `json:"synthetic,omitempty"`
}

// IsSynthetic reports whether kind is produced by the multiplexer itself
// rather than read from the event log.
func (k Kind) IsSynthetic() bool {
	return k == KindComplete || k == KindError || k == KindPing
}
