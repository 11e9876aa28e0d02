package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Key names one remote policy setting. Keys are namespaced by category:
// plain parental-control booleans ("safeSearch", "youtubeRestrictedMode",
// "blockBypass"), per-entry toggles ("category:<id>", "service:<id>",
// "denylist:<domain>") and the privacy blocklist set ("privacy:blocklists").
type Key string

const (
	KeySafeSearch            Key = "safeSearch"
	KeyYouTubeRestrictedMode Key = "youtubeRestrictedMode"
	KeyBlockBypass           Key = "blockBypass"
	KeyPrivacyBlocklists     Key = "privacy:blocklists"

	prefixCategory = "category:"
	prefixService  = "service:"
	prefixDenylist = "denylist:"
)

func CategoryKey(id string) Key  { return Key(prefixCategory + id) }
func ServiceKey(id string) Key   { return Key(prefixService + id) }
func DenylistKey(dom string) Key { return Key(prefixDenylist + dom) }

// ValueKind is the value type of a key, fixed per namespace.
type ValueKind int

const (
	KindBool ValueKind = iota
	KindIDSet
)

// KindOf returns the value kind for a key, or an error for keys outside the
// known namespaces.
func KindOf(k Key) (ValueKind, error) {
	switch {
	case k == KeySafeSearch, k == KeyYouTubeRestrictedMode, k == KeyBlockBypass:
		return KindBool, nil
	case k == KeyPrivacyBlocklists:
		return KindIDSet, nil
	case strings.HasPrefix(string(k), prefixCategory),
		strings.HasPrefix(string(k), prefixService),
		strings.HasPrefix(string(k), prefixDenylist):
		return KindBool, nil
	default:
		return 0, fmt.Errorf("unknown policy key namespace: %q", k)
	}
}

// EntryID returns the id portion of a namespaced key ("category:gambling" ->
// "gambling"). For non-prefixed keys it returns the key itself.
func (k Key) EntryID() string {
	if i := strings.IndexByte(string(k), ':'); i >= 0 {
		return string(k[i+1:])
	}
	return string(k)
}

// Value is the value of one policy setting. Exactly one representation is
// meaningful, selected by Kind. Absent marks a setting that does not exist
// remotely (a denylist rule never created); writing an absent value deletes
// the remote entry.
type Value struct {
	Kind   ValueKind `json:"kind"`
	Bool   bool      `json:"bool,omitempty"`
	IDs    []string  `json:"ids,omitempty"`
	Absent bool      `json:"absent,omitempty"`
}

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func AbsentValue() Value     { return Value{Kind: KindBool, Absent: true} }
func IDSetValue(ids []string) Value {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return Value{Kind: KindIDSet, IDs: sorted}
}

// Equal reports whether two values are observably the same remote state.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Absent != o.Absent {
		return false
	}
	if v.Absent {
		return true
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindIDSet:
		if len(v.IDs) != len(o.IDs) {
			return false
		}
		for i := range v.IDs {
			if v.IDs[i] != o.IDs[i] {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	if v.Absent {
		return "absent"
	}
	switch v.Kind {
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindIDSet:
		return "[" + strings.Join(v.IDs, ",") + "]"
	}
	return "invalid"
}

// ChangeSet maps policy keys to desired values.
type ChangeSet map[Key]Value

// Keys returns the change set's keys in stable order.
func (c ChangeSet) Keys() []Key {
	keys := make([]Key, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Validate checks every key belongs to a known namespace and carries the
// kind that namespace fixes.
func (c ChangeSet) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("change set is empty")
	}
	for k, v := range c {
		kind, err := KindOf(k)
		if err != nil {
			return err
		}
		if !v.Absent && v.Kind != kind {
			return fmt.Errorf("key %q requires %s value, got %s", k, kindName(kind), kindName(v.Kind))
		}
	}
	return nil
}

func kindName(k ValueKind) string {
	if k == KindIDSet {
		return "id-set"
	}
	return "boolean"
}

// Snapshot is an immutable capture of remote values for a fixed set of keys.
// Construct with NewSnapshot; readers always receive copies.
type Snapshot struct {
	values map[Key]Value
}

func NewSnapshot(values map[Key]Value) Snapshot {
	return Snapshot{values: copyValues(values)}
}

func (s Snapshot) Get(k Key) (Value, bool) {
	v, ok := s.values[k]
	return v, ok
}

func (s Snapshot) Len() int { return len(s.values) }

// Changes returns the snapshot as a change set, the form rollback applies.
func (s Snapshot) Changes() ChangeSet {
	return ChangeSet(copyValues(s.values))
}

func (s Snapshot) Keys() []Key {
	return ChangeSet(s.values).Keys()
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.values)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var values map[Key]Value
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.values = values
	return nil
}

func copyValues(in map[Key]Value) map[Key]Value {
	out := make(map[Key]Value, len(in))
	for k, v := range in {
		if v.Kind == KindIDSet {
			v.IDs = append([]string(nil), v.IDs...)
		}
		out[k] = v
	}
	return out
}
