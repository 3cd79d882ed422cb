package caption

import (
	"sort"
	"strings"
)

// captionKeys are probed in order on a reply record.
var captionKeys = []string{"generated_text", "caption", "text"}

// lookupCaption returns the first caption key present with a non-null value.
func lookupCaption(rec map[string]any) (string, bool) {
	for _, key := range captionKeys {
		if v, ok := rec[key]; ok && v != nil {
			return Stringify(v), true
		}
	}
	return "", false
}

// joinValues renders every value of rec, ordered by key, separated by a space.
func joinValues(rec map[string]any) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, Stringify(rec[k]))
	}
	return strings.Join(parts, " ")
}

// NormalizeRemote extracts a caption from an inference endpoint reply.
//
// A list is judged by its first element: a record yields its first caption
// key, or all of its values when none is present. A record yields its
// first caption key, or itself stringified. Any other reply, an empty list
// included, is stringified whole.
func NormalizeRemote(r Response) string {
	switch r.Kind {
	case KindList:
		if len(r.List) > 0 {
			if rec, ok := r.List[0].(map[string]any); ok {
				if text, ok := lookupCaption(rec); ok {
					return strings.TrimSpace(text)
				}
				return strings.TrimSpace(joinValues(rec))
			}
		}
	case KindRecord:
		if text, ok := lookupCaption(r.Record); ok {
			return strings.TrimSpace(text)
		}
	}
	return strings.TrimSpace(Stringify(r.Value))
}

// NormalizeLocal extracts a caption from a local pipeline output. The first
// element of a non-empty list is used: its generated_text field when it is
// a record carrying one, otherwise the element stringified. Any other
// output is stringified whole.
func NormalizeLocal(r Response) string {
	if r.Kind == KindList && len(r.List) > 0 {
		first := r.List[0]
		if rec, ok := first.(map[string]any); ok {
			if v, ok := rec["generated_text"]; ok && v != nil {
				return strings.TrimSpace(Stringify(v))
			}
		}
		return strings.TrimSpace(Stringify(first))
	}
	return strings.TrimSpace(Stringify(r.Value))
}
