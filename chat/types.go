package chat

import (
	"encoding/json"
	"errors"
)

var ErrEmptyQuestion = errors.New("question cannot be empty")

type Request struct {
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
}

// StructuredAnswer is the reply returned to the caller. A nil References
// means citations do not apply to the reply (greetings, clarifying
// questions) and the field is omitted from JSON. A non-nil slice is always
// emitted, even when empty.
type StructuredAnswer struct {
	Answer     string   `json:"answer" bson:"answer"`
	References []string `json:"references" bson:"references"`
}

func (a StructuredAnswer) MarshalJSON() ([]byte, error) {
	wire := struct {
		Answer     string    `json:"answer"`
		References *[]string `json:"references,omitempty"`
	}{Answer: a.Answer}
	if a.References != nil {
		refs := a.References
		wire.References = &refs
	}
	return json.Marshal(wire)
}
