package event

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/minio/sha256-simd"
)

// Filter is the subscription predicate of spec.md §4.3: every present field
// must hold for an event to match (AND across fields), and tag selectors
// (`#x`) combine with AND across distinct tag names and OR within one
// name's value list.
type Filter struct {
	Ids     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Tags    map[string][]string `json:"-"`
}

// Filters is a disjunction of Filter: an event matches iff any member
// matches (spec.md §4.3).
type Filters []*Filter

// MarshalJSON renders a Filter including its tag selectors (`#x`) as
// top-level JSON object keys, matching the wire form of spec.md §4.3.
func (f *Filter) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if len(f.Ids) > 0 {
		m["ids"] = f.Ids
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m["#"+name] = f.Tags[name]
	}
	return marshalStable(m)
}

// marshalStable renders m with its keys sorted, for a deterministic
// canonical filter hash.
func marshalStable(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a Filter from its wire form, collecting any `#x` keys
// into Tags.
func (f *Filter) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for k, v := range raw {
		switch k {
		case "ids":
			_ = json.Unmarshal(v, &f.Ids)
		case "authors":
			_ = json.Unmarshal(v, &f.Authors)
		case "kinds":
			_ = json.Unmarshal(v, &f.Kinds)
		case "since":
			var t int64
			if json.Unmarshal(v, &t) == nil {
				f.Since = &t
			}
		case "until":
			var t int64
			if json.Unmarshal(v, &t) == nil {
				f.Until = &t
			}
		case "limit":
			_ = json.Unmarshal(v, &f.Limit)
		default:
			if len(k) > 1 && k[0] == '#' {
				var vals []string
				if json.Unmarshal(v, &vals) == nil {
					if f.Tags == nil {
						f.Tags = map[string][]string{}
					}
					f.Tags[k[1:]] = vals
				}
			}
		}
	}
	return nil
}

// Matches reports whether ev satisfies every predicate present on f.
func (f *Filter) Matches(ev *E) bool {
	if len(f.Ids) > 0 && !containsString(f.Ids, ev.IdHex()) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubkeyHex()) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !anyTagMatches(ev.Tags, name, values) {
			return false
		}
	}
	return true
}

// Match reports whether ev matches any filter in fs (the disjunction rule
// of spec.md §4.3).
func (fs Filters) Match(ev *E) bool {
	for _, f := range fs {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

func anyTagMatches(tags Tags, name string, values []string) bool {
	for _, t := range tags {
		if t.Name() != name {
			continue
		}
		for _, v := range values {
			if t.Value() == v {
				return true
			}
		}
	}
	return false
}

func containsString(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}

func containsInt(hay []int, needle int) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}

// Hash returns a canonical hex digest of fs, used by the subscription
// multiplexer (spec.md §4.4) to deduplicate equivalent filter sets.
func (fs Filters) Hash() string {
	h := sha256.New()
	for _, f := range fs {
		b, err := f.MarshalJSON()
		if err != nil {
			continue
		}
		h.Write(b)
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	const hextable = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0xf]
	}
	return string(out)
}
