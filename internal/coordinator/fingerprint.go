package coordinator

import (
	"encoding/json"
	"sort"
)

// Fingerprint computes the canonical EmitterKey for (emitterIdentity,
// workerArgs): a deterministic, human-readable serialization, not a
// hash, so two equal-by-value worker args always produce the same key
// and an operator can read a key off the KV store and understand it.
//
// "Canonical" means: map keys are sorted before encoding, so
// {"b":2,"a":1} and {"a":1,"b":2} fingerprint identically regardless of
// the order Go's map iteration (or the emitter's own code) happened to
// produce them in.
func Fingerprint(emitterIdentity string, workerArgs interface{}) string {
	canonical := canonicalize(workerArgs)
	data, err := json.Marshal(canonical)
	if err != nil {
		// canonicalize only ever produces json.Marshal-safe values
		// (maps, slices, strings, numbers, bools, nil); a failure here
		// means workerArgs carried something it never should have.
		panic("coordinator: fingerprint: " + err.Error())
	}
	return emitterIdentity + ":" + string(data)
}

// canonicalize walks v, turning every map into an orderedMap whose
// MarshalJSON emits keys in sorted order, so the resulting JSON
// encoding is a canonical form independent of map iteration order.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]orderedEntry, len(keys))
		for i, k := range keys {
			entries[i] = orderedEntry{Key: k, Value: canonicalize(val[k])}
		}
		return orderedMap(entries)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return val
	}
}

type orderedEntry struct {
	Key   string
	Value interface{}
}

type orderedMap []orderedEntry

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, entry := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(entry.Key)
		if err != nil {
			return nil, err
		}
		valueJSON, err := json.Marshal(entry.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valueJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
