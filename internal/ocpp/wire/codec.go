package wire

import "encoding/json"

// MessageType is the first element of every OCPP-J frame.
type MessageType int

const (
	Call       MessageType = 2
	CallResult MessageType = 3
	CallError  MessageType = 4
)

// Frame is a decoded OCPP-J message in any of the three shapes.
type Frame struct {
	Type             MessageType
	MessageID        string
	Action           string          // CALL only
	Payload          json.RawMessage // CALL / CALLRESULT
	ErrorCode        ErrorCode       // CALLERROR only
	ErrorDescription string          // CALLERROR only
	ErrorDetails     json.RawMessage // CALLERROR only
}

// EncodeCall marshals a `[2, messageId, action, payload]` frame.
func EncodeCall(messageID, action string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{Call, messageID, action, payload})
}

// EncodeCallResult marshals a `[3, messageId, payload]` frame.
func EncodeCallResult(messageID string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{CallResult, messageID, payload})
}

// EncodeCallError marshals a `[4, messageId, errorCode, errorDescription, errorDetails]` frame.
func EncodeCallError(messageID string, code ErrorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]interface{}{CallError, messageID, string(code), description, details})
}

// Decode parses a raw OCPP-J frame and validates its shape. On malformed
// input it returns a *FormationError carrying the best-effort messageId
// so the caller can still reply with a CALLERROR, or an empty one if the
// array could not be parsed at all.
func Decode(data []byte) (*Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewFormationError(FormationViolation, "frame is not a JSON array", "")
	}
	if len(raw) < 3 {
		return nil, NewFormationError(FormationViolation, "frame has fewer than 3 elements", "")
	}

	var typeNum int
	if err := json.Unmarshal(raw[0], &typeNum); err != nil {
		return nil, NewFormationError(FormationViolation, "message type is not a number", "")
	}
	mt := MessageType(typeNum)
	if mt != Call && mt != CallResult && mt != CallError {
		return nil, NewFormationError(FormationViolation, "unknown message type", "")
	}

	var messageID string
	if err := json.Unmarshal(raw[1], &messageID); err != nil || messageID == "" {
		return nil, NewFormationError(FormationViolation, "messageId is not a non-empty string", "")
	}

	f := &Frame{Type: mt, MessageID: messageID}

	switch mt {
	case Call:
		if len(raw) != 4 {
			return nil, NewFormationError(FormationViolation, "CALL frame must have 4 elements", messageID)
		}
		if err := json.Unmarshal(raw[2], &f.Action); err != nil || f.Action == "" {
			return nil, NewFormationError(FormationViolation, "action is not a non-empty string", messageID)
		}
		f.Payload = raw[3]
	case CallResult:
		if len(raw) != 3 {
			return nil, NewFormationError(FormationViolation, "CALLRESULT frame must have 3 elements", messageID)
		}
		f.Payload = raw[2]
	case CallError:
		if len(raw) != 5 {
			return nil, NewFormationError(FormationViolation, "CALLERROR frame must have 5 elements", messageID)
		}
		var code string
		if err := json.Unmarshal(raw[2], &code); err != nil {
			return nil, NewFormationError(FormationViolation, "errorCode is not a string", messageID)
		}
		f.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(raw[3], &f.ErrorDescription); err != nil {
			return nil, NewFormationError(FormationViolation, "errorDescription is not a string", messageID)
		}
		f.ErrorDetails = raw[4]
	}

	return f, nil
}
