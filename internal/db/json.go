package db

import "encoding/json"

// List and map columns are stored as JSON text. Empty values round-trip to
// empty (not nil) encodings so the columns never hold SQL NULL.

func encodeStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	if len(v) == 0 {
		return nil
	}
	return v
}

func encodeStringMap(v map[string]string) string {
	if v == nil {
		v = map[string]string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStringMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	if len(v) == 0 {
		return nil
	}
	return v
}
