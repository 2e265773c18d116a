package wire

// ProtocolVersion is the ordered set of wire versions a client may speak.
// Ordering matters: feature gates throughout internal/dispatch compare
// versions with >=, not equality.
type ProtocolVersion int

const (
	V1 ProtocolVersion = iota
	V2
	V2_1
	V2_2
	V2_3
)

// ParseVersion maps the XML "Version" attribute's string form to a
// ProtocolVersion, defaulting to V1 when the attribute is absent.
func ParseVersion(s string) ProtocolVersion {
	switch s {
	case "2.0":
		return V2
	case "2.1":
		return V2_1
	case "2.2":
		return V2_2
	case "2.3":
		return V2_3
	default:
		return V1
	}
}

func (v ProtocolVersion) String() string {
	switch v {
	case V1:
		return "1.0"
	case V2:
		return "2.0"
	case V2_1:
		return "2.1"
	case V2_2:
		return "2.2"
	case V2_3:
		return "2.3"
	default:
		return "unknown"
	}
}
