package shadow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalize serializes a JSON-ish value with mapping keys sorted
// lexicographically at every nesting level; arrays are left in order.
// This makes the hash stable across implementations that agree on the
// same canonical form, independent of source key order.
func canonicalize(v interface{}) []byte {
	b, _ := json.Marshal(sortValue(v))
	return b
}

func sortValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedEntry{Key: k, Value: sortValue(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sortValue(item)
		}
		return out
	default:
		return val
	}
}

// orderedMap marshals as a JSON object preserving insertion order, which
// callers populate in sorted-key order.
type orderedMap []orderedEntry

type orderedEntry struct {
	Key   string
	Value interface{}
}

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, v...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// hashDescriptor computes the schema, description, and combined hashes for
// a tool descriptor: hash(tool) = SHA-256(name || ":" || SHA-256(canonical(schema)) || ":" || SHA-256(description)).
func hashDescriptor(d ToolDescriptor) (schemaHash, descriptionHash, combinedHash string) {
	schemaHash = sha256Hex(canonicalize(d.InputSchema))
	descriptionHash = sha256Hex([]byte(d.Description))
	combinedHash = sha256Hex([]byte(d.Name + ":" + schemaHash + ":" + descriptionHash))
	return schemaHash, descriptionHash, combinedHash
}
