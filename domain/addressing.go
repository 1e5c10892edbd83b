package domain

import (
	"encoding/json"
	"fmt"
)

// URIList is an addressing field. ActivityPub allows a bare string where an
// array is expected; both decode into a slice.
type URIList []string

func (l *URIList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = URIList{single}
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("addressing must be a string or an array: %w", err)
	}

	out := make(URIList, 0, len(raw))
	for _, v := range raw {
		switch item := v.(type) {
		case string:
			out = append(out, item)
		case map[string]interface{}:
			// Embedded objects are addressed by their id.
			if id, ok := item["id"].(string); ok {
				out = append(out, id)
			}
		}
	}
	*l = out
	return nil
}

// Addressing holds the raw to/cc recipients of an activity.
type Addressing struct {
	To URIList `json:"to"`
	Cc URIList `json:"cc"`
}

// Recipients is the deduplicated union of to and cc, to first.
func (a Addressing) Recipients() []string {
	seen := make(map[string]struct{}, len(a.To)+len(a.Cc))
	out := make([]string, 0, len(a.To)+len(a.Cc))
	for _, list := range []URIList{a.To, a.Cc} {
		for _, uri := range list {
			if _, ok := seen[uri]; ok {
				continue
			}
			seen[uri] = struct{}{}
			out = append(out, uri)
		}
	}
	return out
}
