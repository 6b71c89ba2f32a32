package protocol

// ERROR frame codes.
const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST" // frame did not decode
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrAlreadyOnline   = "E_ALREADY_ONLINE"
	ErrWorldNotFound   = "E_WORLD_NOT_FOUND"
	ErrBadRequest      = "E_BAD_REQUEST" // decoded but unusable
	ErrRateLimit       = "E_RATE_LIMIT"
	ErrInternal        = "E_INTERNAL"
)

// fatalCodes close the connection after the ERROR frame is written.
var fatalCodes = map[string]bool{
	ErrProtoBadRequest: false,
	ErrProtoVersion:    true,
	ErrAlreadyOnline:   true,
	ErrWorldNotFound:   false,
	ErrBadRequest:      false,
	ErrRateLimit:       false,
	ErrInternal:        false,
}

func IsKnownCode(code string) bool {
	_, ok := fatalCodes[code]
	return ok || code == ""
}

// IsFatal reports whether a client should expect the server to hang up.
func IsFatal(code string) bool { return fatalCodes[code] }

// NewError builds an ERROR frame. Unknown codes are reported as E_INTERNAL.
func NewError(code, message string) ErrorMsg {
	if !IsKnownCode(code) || code == "" {
		code = ErrInternal
	}
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
