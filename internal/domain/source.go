package domain

// TickSource identifies which call site produced a price observation.
type TickSource string

const (
	SourceStream TickSource = "stream"
	SourcePoll   TickSource = "poll"
	// SourceManual is reserved for operator-injected ticks.
	SourceManual TickSource = "manual"
)

// String returns the string representation of TickSource.
func (s TickSource) String() string {
	return string(s)
}

// IsValid checks if the source is a valid value.
func (s TickSource) IsValid() bool {
	return s == SourceStream || s == SourcePoll || s == SourceManual
}
