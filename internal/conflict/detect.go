// Package conflict compares the server and client copies of an entity and
// decides how a version mismatch is settled.
//
// Entities are compared as generic field maps, the shape they have after a
// JSON round trip. Numbers are equal within AmountTolerance, timestamps
// within TimeTolerance, and arrays and objects are compared structurally
// with the same tolerances applied to their leaves.
package conflict

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Comparison tolerances.
const (
	AmountTolerance = 0.01
	TimeTolerance   = time.Second
)

// Compared fields per entity type.
var entityFields = map[string][]string{
	types.EntityExpense:    {"amount", "description", "category", "date", "notes", "participants"},
	types.EntitySettlement: {"amount", "currency", "date", "notes", "fromUserId", "toUserId"},
}

// metadataFields change on every write and never carry user intent.
var metadataFields = map[string]bool{
	"updatedAt":    true,
	"version":      true,
	"lastModified": true,
}

// Fields returns the fields compared for entityType. Unknown types compare
// every field present on either side.
func Fields(entityType string) []string {
	return entityFields[entityType]
}

// Detect returns the fields whose server and client values differ, in field
// list order.
func Detect(entityType string, server, client map[string]any) []types.FieldConflict {
	fields := Fields(entityType)
	if fields == nil {
		fields = unionKeys(server, client)
	}
	var out []types.FieldConflict
	for _, f := range fields {
		sv, cv := server[f], client[f]
		if Equal(sv, cv) {
			continue
		}
		out = append(out, types.FieldConflict{Field: f, ServerValue: sv, ClientValue: cv})
	}
	return out
}

// Equal reports whether a and b are the same value under the comparison
// tolerances.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && math.Abs(x-y) < AmountTolerance
	}
	if x, ok := toTime(a); ok {
		if y, ok := toTime(b); ok {
			d := x.Sub(y)
			if d < 0 {
				d = -d
			}
			return d <= TimeTolerance
		}
	}
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// ToMap converts an entity to its generic field map.
func ToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding entity: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding entity: %w", err)
	}
	return m, nil
}

// FromMap decodes a field map into an entity.
func FromMap[T any](m map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(m)
	if err != nil {
		return out, fmt.Errorf("encoding fields: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding fields: %w", err)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
