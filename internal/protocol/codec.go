package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec encodes and decodes Frame values as newline-free JSON objects,
// one per wire message (mirrors the teacher's ControlMsg JSON envelope —
// see server/protocol.go — generalized to a full discriminated union).
type Codec struct{}

// NewCodec returns a ready-to-use Codec. Stateless; kept as a type so
// call sites read the same as the rest of the component set (NewX()).
func NewCodec() *Codec { return &Codec{} }

// Encode marshals f to its wire JSON form.
func (Codec) Encode(f Frame) ([]byte, error) {
	if err := ValidateFrame(f); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// Decode parses raw wire bytes into a Frame and validates its per-kind
// contract (spec §4.1). A frame that fails validation is returned
// alongside a non-nil error; callers should respond with an error frame
// rather than close the connection (spec §4.1's "not closed for a single
// invalid frame").
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := ValidateFrame(f); err != nil {
		return f, err
	}
	return f, nil
}

// ErrMalformed wraps any decode/validation failure that should surface
// as a MalformedFrame problem.
var ErrMalformed = fmt.Errorf("malformed frame")

// ValidateFrame checks the field-level contract for f.Kind (spec §4.1).
// Unknown kinds are rejected so that adding a new Kind without updating
// this switch is caught immediately rather than silently accepted.
func ValidateFrame(f Frame) error {
	switch f.Kind {
	case KindNodeRegister:
		if f.NodeID == "" {
			return fmt.Errorf("%w: node.register requires nodeId", ErrMalformed)
		}
		if err := f.Capabilities.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		// token and signature may both be absent at the codec level; C6
		// enforces that the configured auth mode accepts what was sent.

	case KindNodeRegisterAck:
		if f.NodeID == "" || f.SessionID == "" {
			return fmt.Errorf("%w: node.register.ack requires nodeId and sessionId", ErrMalformed)
		}

	case KindNodeDeregister:
		if f.NodeID == "" {
			return fmt.Errorf("%w: node.deregister requires nodeId", ErrMalformed)
		}

	case KindHeartbeatPing, KindHeartbeatPong:
		if err := validateTimestamp(f.Timestamp); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}

	case KindLaneMessage:
		if !f.Lane.Valid() {
			return fmt.Errorf("%w: lane.message has unknown lane %q", ErrMalformed, f.Lane)
		}
		if err := f.Message.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}

	case KindLaneMessageAck:
		if f.MessageID == "" {
			return fmt.Errorf("%w: lane.message.ack requires messageId", ErrMalformed)
		}

	case KindSessionUpdate:
		if f.SessionID == "" || f.NodeID == "" || f.State == "" {
			return fmt.Errorf("%w: session.update requires sessionId, nodeId, state", ErrMalformed)
		}
		if err := validateTimestamp(f.Timestamp); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}

	case KindSessionIdentity:
		if f.SessionID == "" || f.NodeID == "" {
			return fmt.Errorf("%w: session.identity.update requires sessionId and nodeId", ErrMalformed)
		}
		if err := ValidateIdentity(f.Identity); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := validateTimestamp(f.Timestamp); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}

	case KindConfigChanged:
		if len(f.Fields) == 0 {
			return fmt.Errorf("%w: config.changed requires a non-empty fields list", ErrMalformed)
		}
		for _, field := range f.Fields {
			if field == "" {
				return fmt.Errorf("%w: config.changed field name must not be empty", ErrMalformed)
			}
		}
		if err := validateTimestamp(f.Timestamp); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}

	case KindError:
		if f.Error.Type == "" || f.Error.Title == "" || f.Error.Status == 0 {
			return fmt.Errorf("%w: error frame requires type, title, status", ErrMalformed)
		}

	default:
		return fmt.Errorf("%w: unrecognised frame kind %q", ErrMalformed, f.Kind)
	}
	return nil
}

// validateTimestamp rejects zero or negative timestamps. Fractional
// values never reach it: encoding/json refuses to decode a number such
// as 1.5 into the int64 field, so Decode already fails on them. It is
// kept as its own function so every kind that carries a timestamp
// enforces positivity identically (spec §8's "0 and fractional values
// are rejected").
func validateTimestamp(ts int64) error {
	if ts <= 0 {
		return fmt.Errorf("timestamp must be a positive integer, got %d", ts)
	}
	return nil
}

// NewErrorFrame builds an error frame tied to requestID (may be empty)
// carrying problem p. Errors from a single frame are surfaced this way
// rather than by closing the connection, unless p is policy/quota class
// (spec §7).
func NewErrorFrame(requestID string, p ProblemDetails, timestamp int64) Frame {
	return Frame{
		Kind:      KindError,
		RequestID: requestID,
		Error:     p,
		Timestamp: timestamp,
	}
}
