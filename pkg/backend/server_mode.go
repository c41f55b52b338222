package backend

// ServerMode is the role a destination plays for routing purposes.
type ServerMode int

const (
	// ModeUnavailable marks a destination that must not receive connections.
	ModeUnavailable ServerMode = iota
	// ModeReadOnly marks a replica.
	ModeReadOnly
	// ModeReadWrite marks the primary.
	ModeReadWrite
)

func (m ServerMode) String() string {
	switch m {
	case ModeReadOnly:
		return "read_only"
	case ModeReadWrite:
		return "read_write"
	default:
		return "unavailable"
	}
}
