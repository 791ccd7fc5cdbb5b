package types

import "encoding/json"

// ModelObject is one entry of the OpenAI /v1/models list.
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// UpstreamError is the error envelope returned by the upstream API.
type UpstreamError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code,omitempty"`
	} `json:"error"`
}

// ParseUpstreamError decodes an upstream error body. ok is false when the
// body is not a structured error envelope.
func ParseUpstreamError(body []byte) (UpstreamError, bool) {
	var e UpstreamError
	if err := json.Unmarshal(body, &e); err != nil {
		return e, false
	}
	return e, e.Error.Type != "" || e.Error.Message != ""
}
