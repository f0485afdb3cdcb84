package wire

import "encoding/json"

// Message is the envelope carried in Request and Response frame bodies.
//
//   - On request:  Method is set, Payload holds the JSON-serialized args, Error is empty.
//   - On response: Payload holds the JSON-serialized reply, Error is non-empty on failure.
type Message struct {
	Method  string          `json:"method"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeMessage serializes the envelope for a frame body.
func EncodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a frame body back into an envelope.
func DecodeMessage(body []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, err
	}
	return m, nil
}
