package domain

// AccessLevel is a user's current privilege on a board, as reported by the
// permission oracle. Ordered so that levels compare with >=.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessOwner
)

func (l AccessLevel) String() string {
	switch l {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessOwner:
		return "owner"
	default:
		return "none"
	}
}

// CanRead reports whether the level permits receiving board events.
func (l AccessLevel) CanRead() bool {
	return l >= AccessRead
}

// ParseAccessLevel maps a role string from the persistence service to a level.
// Unknown roles map to AccessNone.
func ParseAccessLevel(role string) AccessLevel {
	switch role {
	case "read", "observer":
		return AccessRead
	case "write", "member":
		return AccessWrite
	case "owner", "admin":
		return AccessOwner
	default:
		return AccessNone
	}
}
