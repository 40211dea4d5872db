package resolve

// State is the position of a handle in its resolution cycle.
type State int

const (
	// Idle means no resolution is in progress.
	Idle State = iota
	CacheCheck
	CacheHit
	CacheMiss
	Fetching
	Resolved
	// Done is reported once per cycle, just before the handle returns to Idle.
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CacheCheck:
		return "cache_check"
	case CacheHit:
		return "cache_hit"
	case CacheMiss:
		return "cache_miss"
	case Fetching:
		return "fetching"
	case Resolved:
		return "resolved"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
