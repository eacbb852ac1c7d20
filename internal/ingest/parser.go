package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"

	"printerwatch/internal/model"
	"printerwatch/internal/normalize"
)

var reKV = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s,]+)`)

// Parser turns one text line into an observation. It accepts the JSON
// payload, "PrinterId,value" CSV (with an optional header) and
// "PrinterId=x value=y" or "x y" plain text.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil, nil for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*model.Observation, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		obs, err := normalize.ParseObservation([]byte(trim))
		if err != nil {
			return nil, err
		}
		return &obs, nil
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		return p.csv.Parse(trim)
	}
	return parsePlain(trim)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (*model.Observation, error) {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	var id, value string
	if len(kv) > 0 {
		id = firstNonEmpty(kv, "printerid", "printer_id", "printer", "id", "device")
		value = firstNonEmpty(kv, "value", "reading", "val")
	} else {
		tokens := strings.Fields(line)
		if len(tokens) != 2 {
			return nil, errors.New("expected \"<printer> <value>\"")
		}
		id, value = tokens[0], tokens[1]
	}
	obs, err := normalize.NewObservation(id, value)
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser remembers the first header row it sees so later rows may put
// the columns in any order.
type CSVParser struct {
	idCol, valueCol int
	header          bool
}

func NewCSVParser() *CSVParser {
	return &CSVParser{idCol: 0, valueCol: 1}
}

func (p *CSVParser) Parse(line string) (*model.Observation, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if !p.header && looksLikeHeader(record) {
		p.header = true
		for i, name := range record {
			switch normalizeColumn(name) {
			case "printerid", "printer_id", "printer", "id", "device":
				p.idCol = i
			case "value", "reading", "val":
				p.valueCol = i
			}
		}
		return nil, nil
	}
	if p.idCol >= len(record) || p.valueCol >= len(record) {
		return nil, model.ValidationError{Reason: normalize.ReasonInvalidValue}
	}
	obs, err := normalize.NewObservation(record[p.idCol], record[p.valueCol])
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch normalizeColumn(v) {
		case "printerid", "printer_id", "printer", "value", "reading":
			return true
		}
	}
	return false
}

func normalizeColumn(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
