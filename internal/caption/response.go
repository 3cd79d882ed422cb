package caption

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Kind tags the shape of a decoded backend reply.
type Kind int

const (
	// KindOther is any value that is neither a list nor a record.
	KindOther Kind = iota
	// KindList is a JSON array.
	KindList
	// KindRecord is a JSON object.
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	default:
		return "other"
	}
}

// Response is a decoded reply matched on its shape. Exactly one of List or
// Record is set for KindList and KindRecord; Value always holds the decoded
// value as received.
type Response struct {
	Kind   Kind
	List   []any
	Record map[string]any
	Value  any
}

// Parse tags a value produced by a JSON decoder (maps, slices, strings,
// numbers, bool, nil).
func Parse(v any) Response {
	switch t := v.(type) {
	case []any:
		return Response{Kind: KindList, List: t, Value: v}
	case map[string]any:
		return Response{Kind: KindRecord, Record: t, Value: v}
	default:
		return Response{Kind: KindOther, Value: v}
	}
}

// decoder keeps numbers as json.Number so large integers survive
// stringification unchanged.
var decoder = sonic.Config{UseNumber: true}.Froze()

// Decode parses a JSON document into a Response.
func Decode(data []byte) (Response, error) {
	var v any
	if err := decoder.Unmarshal(data, &v); err != nil {
		return Response{}, err
	}
	return Parse(v), nil
}

// Stringify renders a decoded value as caption text: strings as they are,
// everything else as compact JSON with object keys sorted.
func Stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	out, err := sonic.ConfigStd.MarshalToString(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return out
}
