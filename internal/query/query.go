// internal/query/query.go
// Package query normalizes data-filtering requests into a canonical,
// ordering-independent form and computes a stable fingerprint over it. The
// fingerprint, together with the resolved resource versions, is the identity
// under which DOIs are minted: two requests that would produce the same data
// must normalize to the same fingerprint.
package query

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	errordefs "github.com/dataportal/query-dois-go/internal/errors"
	"github.com/dataportal/query-dois-go/internal/model"
)

const (
	// VersionMarker is the reserved filter field carrying an embedded version
	// request. It is extracted during canonicalization and must never remain
	// in the canonical form or contribute to the fingerprint.
	VersionMarker = "__version__"

	// Delimiters for the flat wire shape, where all filters arrive as a
	// single string: fields are separated by fieldSep, the field name is
	// separated from its values by kvSep, and multiple values for the same
	// field are separated by valueSep.
	fieldSep = "|"
	kvSep    = ":"
	valueSep = ";"
)

// Canonicalize parses a raw query in either wire shape into its canonical
// form and extracts the requested version, if any. The version may arrive as
// a top-level "version" key or, failing that, as the first value of the
// reserved version-marker filter. Returns nil for the version when neither is
// present.
func Canonicalize(raw map[string]interface{}) (model.CanonicalQuery, *int64, error) {
	cq := model.CanonicalQuery{Params: make(map[string]string)}
	var requested *int64

	for key, value := range raw {
		switch key {
		case "version":
			v, err := toInt64(value)
			if err != nil {
				return model.CanonicalQuery{}, nil, errordefs.New(errordefs.QDOI_PARSE,
					fmt.Sprintf("version is not an integer: %v", value), "")
			}
			requested = &v
		case "filters":
			filters, err := parseFilters(value)
			if err != nil {
				return model.CanonicalQuery{}, nil, err
			}
			cq.Filters = filters
		default:
			cq.Params[key] = stringify(value)
		}
	}

	// Pull the version marker out of the filters. An explicit version key
	// always wins; either way the marker must not survive canonicalization.
	if values, ok := cq.Filters[VersionMarker]; ok {
		if requested == nil && len(values) > 0 {
			v, err := strconv.ParseInt(values[0], 10, 64)
			if err != nil {
				return model.CanonicalQuery{}, nil, errordefs.New(errordefs.QDOI_PARSE,
					fmt.Sprintf("version marker is not an integer: %s", values[0]), "")
			}
			requested = &v
		}
		delete(cq.Filters, VersionMarker)
	}

	// An empty filter set is represented by the key's absence
	if len(cq.Filters) == 0 {
		cq.Filters = nil
	}

	return cq, requested, nil
}

// parseFilters handles the two wire shapes a filters value can arrive in: a
// delimited string, or a mapping from field name to value(s).
func parseFilters(value interface{}) (map[string][]string, error) {
	switch v := value.(type) {
	case string:
		return parseFilterString(v)
	case map[string]interface{}:
		return parseFilterMap(v)
	case nil:
		return nil, nil
	default:
		return nil, errordefs.New(errordefs.QDOI_PARSE,
			fmt.Sprintf("filters must be a string or a mapping, got %T", value), "")
	}
}

// parseFilterString parses the flat shape, e.g. "genus:Panthera|year:1990;1991".
// A field missing its key/value delimiter is a parse error.
func parseFilterString(s string) (map[string][]string, error) {
	if s == "" {
		return nil, nil
	}
	filters := make(map[string][]string)
	for _, pair := range strings.Split(s, fieldSep) {
		field, rest, found := strings.Cut(pair, kvSep)
		if !found || field == "" {
			return nil, errordefs.New(errordefs.QDOI_PARSE,
				fmt.Sprintf("malformed filter %q: missing %q delimiter", pair, kvSep), "")
		}
		filters[field] = append(filters[field], strings.Split(rest, valueSep)...)
	}
	return filters, nil
}

// parseFilterMap parses the structured shape, where each field maps to a list
// of values. A bare scalar value is accepted as a single-element list.
func parseFilterMap(m map[string]interface{}) (map[string][]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	filters := make(map[string][]string, len(m))
	for field, value := range m {
		switch v := value.(type) {
		case []interface{}:
			values := make([]string, 0, len(v))
			for _, item := range v {
				values = append(values, stringify(item))
			}
			filters[field] = values
		default:
			filters[field] = []string{stringify(v)}
		}
	}
	return filters, nil
}

// Fingerprint computes the stable hash of a canonical query. The query is
// serialized with sorted keys and lexicographically sorted filter values so
// that insertion order can never leak into the digest; two canonical queries
// that are equal under ordering-independent equality always produce
// byte-identical fingerprints, on any machine, on every run. SHA-1 is used
// for stability and low collision probability, not as a security measure.
func Fingerprint(cq model.CanonicalQuery) string {
	hashable := make(map[string]interface{}, len(cq.Params)+1)
	for key, value := range cq.Params {
		hashable[key] = value
	}
	if len(cq.Filters) > 0 {
		filters := make(map[string][]string, len(cq.Filters))
		for field, values := range cq.Filters {
			sorted := make([]string, len(values))
			copy(sorted, values)
			sort.Strings(sorted)
			filters[field] = sorted
		}
		hashable["filters"] = filters
	}

	// encoding/json marshals map keys in sorted order, which makes the
	// serialization deterministic.
	data, _ := json.Marshal(hashable)
	digest := sha1.Sum(data)
	return hex.EncodeToString(digest[:])
}

// stringify coerces a raw query value to its canonical string representation.
// JSON numbers that are whole are rendered without a fractional part so that
// 10 and 10.0 hash identically.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}

// toInt64 parses a version value that may arrive as a JSON number or a string.
func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("unsupported version type %T", value)
	}
}
