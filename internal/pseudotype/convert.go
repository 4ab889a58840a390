// Package pseudotype implements the post-order rewrite of decoded JSON
// response trees that translates server "pseudo-type" encodings ($reql_type$
// tagged objects) into native Go values.
package pseudotype

import (
	"encoding/base64"

	"github.com/docql/docql-go/internal/rqlerr"
)

// Format selects how a given pseudo-type tag is rendered.
type Format string

const (
	FormatNative Format = "native"
	FormatRaw    Format = "raw"
)

// Opts holds the three run options the converter consults, mirroring the
// protocol's run-options table.
type Opts struct {
	TimeFormat   Format
	GroupFormat  Format
	BinaryFormat Format
}

// DefaultOpts matches the protocol's documented defaults: every format is
// "native".
func DefaultOpts() Opts {
	return Opts{TimeFormat: FormatNative, GroupFormat: FormatNative, BinaryFormat: FormatNative}
}

// Time is the native representation of a $reql_type$: "TIME" pseudo-type:
// milliseconds since the epoch, matching epoch_time * 1000.
type Time struct {
	EpochMillis int64
}

// GroupPair is one element of a converted $reql_type$: "GROUPED_DATA"
// sequence, preserving the server's pair order.
type GroupPair struct {
	Group     any
	Reduction any
}

// Binary is the native representation of a $reql_type$: "BINARY"
// pseudo-type: the base64-decoded raw bytes.
type Binary struct {
	Data []byte
}

// Convert performs a post-order recursive rewrite of v according to opts.
// Arrays are traversed elementwise; objects carrying `$reql_type$` are
// dispatched by tag; every other leaf is returned unchanged.
func Convert(v any, opts Opts) (any, error) {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			converted, err := Convert(elem, opts)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case map[string]any:
		// Post-order: convert children first, in case a pseudo-type's own
		// fields (e.g. GROUPED_DATA's `data` array) contain nested
		// pseudo-types that also need rewriting.
		converted := make(map[string]any, len(val))
		for k, child := range val {
			cv, err := Convert(child, opts)
			if err != nil {
				return nil, err
			}
			converted[k] = cv
		}
		tag, ok := converted["$reql_type$"].(string)
		if !ok {
			return converted, nil
		}
		switch tag {
		case "TIME":
			return convertTime(converted, opts.TimeFormat)
		case "GROUPED_DATA":
			return convertGroupedData(converted, opts.GroupFormat)
		case "BINARY":
			return convertBinary(converted, opts.BinaryFormat)
		default:
			// Unknown pseudo-type tags are returned untouched.
			return converted, nil
		}
	default:
		return v, nil
	}
}

func convertTime(obj map[string]any, format Format) (any, error) {
	switch format {
	case FormatRaw:
		return obj, nil
	case FormatNative:
		epoch, ok := numberField(obj, "epoch_time")
		if !ok {
			return nil, rqlerr.NewDriverError("pseudo-type TIME is missing expected field epoch_time")
		}
		return Time{EpochMillis: int64(epoch * 1000)}, nil
	default:
		return nil, rqlerr.NewDriverError("Unknown time_format %q", format)
	}
}

func convertGroupedData(obj map[string]any, format Format) (any, error) {
	switch format {
	case FormatRaw:
		return obj, nil
	case FormatNative:
		data, ok := obj["data"].([]any)
		if !ok {
			return nil, rqlerr.NewDriverError("pseudo-type GROUPED_DATA is missing expected field data")
		}
		pairs := make([]GroupPair, 0, len(data))
		for _, entry := range data {
			pair, ok := entry.([]any)
			if !ok || len(pair) != 2 {
				return nil, rqlerr.NewDriverError("pseudo-type GROUPED_DATA has a malformed pair")
			}
			pairs = append(pairs, GroupPair{Group: pair[0], Reduction: pair[1]})
		}
		return pairs, nil
	default:
		return nil, rqlerr.NewDriverError("Unknown group_format %q", format)
	}
}

func convertBinary(obj map[string]any, format Format) (any, error) {
	switch format {
	case FormatRaw:
		return obj, nil
	case FormatNative:
		encoded, ok := obj["data"].(string)
		if !ok {
			return nil, rqlerr.NewDriverError("pseudo-type BINARY is missing expected field data")
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, rqlerr.NewDriverError("pseudo-type BINARY has malformed base64 data: %s", err)
		}
		return Binary{Data: raw}, nil
	default:
		return nil, rqlerr.NewDriverError("Unknown binary_format %q", format)
	}
}

// numberField extracts a float64 field, accepting both float64 (the
// encoding/json default for JSON numbers) and int for callers that build
// trees by hand in tests.
func numberField(obj map[string]any, key string) (float64, bool) {
	switch n := obj[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
