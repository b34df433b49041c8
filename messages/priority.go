package messages

import "fmt"

// Priority is the delivery urgency attached to every message.
// Higher values are dequeued first.
type Priority uint8

const (
	// Unimportant is information that doesn't matter much, e.g. statistics.
	Unimportant Priority = iota
	// Normal is common information such as system running state.
	Normal
	// Important requires priority attention.
	Important
	// Critical requires immediate processing, e.g. collision reports from
	// contact sensors.
	Critical
)

// Rank returns the numeric rank used for ordering.
func (p Priority) Rank() int {
	return int(p)
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p <= Critical
}

func (p Priority) String() string {
	switch p {
	case Unimportant:
		return "UNIMPORTANT"
	case Normal:
		return "NORMAL"
	case Important:
		return "IMPORTANT"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", uint8(p))
	}
}

// ParsePriority maps a raw rank received from outside the process onto a
// Priority. Values outside 0..3 yield Normal and ok == false.
func ParsePriority(raw int64) (p Priority, ok bool) {
	if raw < int64(Unimportant) || raw > int64(Critical) {
		return Normal, false
	}
	return Priority(raw), true
}
