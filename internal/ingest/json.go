package ingest

import (
	"bytes"
	"encoding/json"

	"printerwatch/internal/model"
	"printerwatch/internal/normalize"
)

// SplitJSON returns the payloads in body: the elements when body is an array,
// otherwise body itself.
func SplitJSON(body []byte) ([][]byte, error) {
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 || trim[0] != '[' {
		return [][]byte{trim}, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(trim, &list); err != nil {
		return nil, model.ValidationError{Reason: normalize.ReasonInvalidJSON}
	}
	out := make([][]byte, 0, len(list))
	for _, item := range list {
		out = append(out, item)
	}
	return out, nil
}
