package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"printerwatch/internal/model"
)

const (
	ReasonMissingID    = "Missing PrinterId"
	ReasonInvalidID    = "invalid PrinterId"
	ReasonInvalidValue = "missing or invalid value"
	ReasonInvalidJSON  = "invalid JSON payload"
)

// CanonicalID maps a raw printer identifier onto its storage key: surrounding
// whitespace removed, first rune upper case, the rest lower case. Every path
// that reads or writes a profile must key through this function.
func CanonicalID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(raw)
	return string(unicode.ToUpper(first)) + strings.ToLower(raw[size:])
}

// ParseObservation validates an inbound payload of the form
// {"PrinterId": "...", "data": {"value": 12.5}}. The returned DeviceID is
// already canonical.
func ParseObservation(raw []byte) (model.Observation, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return model.Observation{}, model.ValidationError{Reason: ReasonInvalidJSON}
	}
	id, err := parseID(top["PrinterId"])
	if err != nil {
		return model.Observation{}, err
	}
	var data map[string]json.RawMessage
	if rawData, ok := top["data"]; !ok || isNull(rawData) || json.Unmarshal(rawData, &data) != nil {
		return model.Observation{}, model.ValidationError{Reason: ReasonInvalidValue}
	}
	value, err := parseValue(data["value"])
	if err != nil {
		return model.Observation{}, err
	}
	return model.Observation{DeviceID: id, Value: value}, nil
}

// NewObservation builds an observation from already-split text fields, as
// produced by line-oriented sources.
func NewObservation(id, value string) (model.Observation, error) {
	canonical := CanonicalID(id)
	if canonical == "" {
		return model.Observation{}, model.ValidationError{Reason: ReasonMissingID}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return model.Observation{}, model.ValidationError{Reason: ReasonInvalidValue}
	}
	return model.Observation{DeviceID: canonical, Value: v}, nil
}

func parseID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", model.ValidationError{Reason: ReasonMissingID}
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", model.ValidationError{Reason: ReasonInvalidID}
	}
	canonical := CanonicalID(id)
	if canonical == "" {
		return "", model.ValidationError{Reason: ReasonMissingID}
	}
	return canonical, nil
}

func parseValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || isNull(raw) {
		return 0, model.ValidationError{Reason: ReasonInvalidValue}
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, model.ValidationError{Reason: ReasonInvalidValue}
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
