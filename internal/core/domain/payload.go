package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// JobPayload is the queue message describing a stored upload.
type JobPayload struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	Destination  string `json:"destination"`
	Path         string `json:"path"`
}

// DecodePayload parses a queue message. The message may be the payload
// object itself or a JSON string holding the serialized object; anything
// else, or an object without a path, is ErrMalformedPayload.
func DecodePayload(raw json.RawMessage) (JobPayload, error) {
	var p JobPayload

	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		return p, fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}

	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return p, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		data = bytes.TrimSpace([]byte(inner))
	}

	if len(data) == 0 || data[0] != '{' {
		return p, fmt.Errorf("%w: expected an object", ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.Path) == "" {
		return p, fmt.Errorf("%w: missing path", ErrMalformedPayload)
	}
	return p, nil
}
