package chat

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ParseAnswer turns raw model output into a StructuredAnswer. It never
// fails: output that is not a single JSON object with a string "answer"
// becomes the answer verbatim with an empty reference list.
func ParseAnswer(raw string) StructuredAnswer {
	answer, _ := parseAnswer(raw)
	return answer
}

// parseAnswer reports false when the fallback was used.
func parseAnswer(raw string) (StructuredAnswer, bool) {
	if answer, err := decodeAnswer(raw); err == nil {
		return answer, true
	}
	return StructuredAnswer{Answer: raw, References: []string{}}, false
}

func decodeAnswer(raw string) (StructuredAnswer, error) {
	var wire struct {
		Answer     *string   `json:"answer"`
		References *[]string `json:"references"`
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&wire); err != nil {
		return StructuredAnswer{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return StructuredAnswer{}, errors.New("trailing data after answer object")
	}
	if wire.Answer == nil {
		return StructuredAnswer{}, errors.New(`missing "answer" field`)
	}
	answer := StructuredAnswer{Answer: *wire.Answer}
	if wire.References != nil {
		answer.References = *wire.References
		if answer.References == nil {
			answer.References = []string{}
		}
	}
	return answer, nil
}
