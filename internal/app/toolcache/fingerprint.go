package toolcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint computes the content-addressed cache key for one tool
// invocation: SHA-256(toolID || "@\0" || toolVersion || "\0" || "env:\0" ||
// envSignature || "\0" || canonicalJSON(input)). Canonicalization sorts
// object keys recursively; array order is preserved, so the fingerprint is
// invariant under JSON key reordering and insignificant whitespace but
// changes if the tool identity, version, environment signature, or the
// canonical input changes.
func Fingerprint(toolID, toolVersion string, input json.RawMessage, envSignature string) (string, error) {
	canon, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(toolID))
	h.Write([]byte("@\x00"))
	h.Write([]byte(toolVersion))
	h.Write([]byte{0})
	h.Write([]byte("env:\x00"))
	h.Write([]byte(envSignature))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize re-serializes an arbitrary JSON value with object keys
// sorted recursively, so semantically identical inputs with different key
// order or whitespace produce byte-identical output.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalValue(v))
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedEntry{key: k, value: canonicalValue(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalValue(e)
		}
		return out
	default:
		return v
	}
}

// orderedMap marshals as a JSON object preserving insertion order, which
// canonicalValue has already sorted by key.
type orderedEntry struct {
	key   string
	value any
}

type orderedMap []orderedEntry

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// EnvSignature hashes a stable sorted list of relevant process inputs so
// that a change in policy version, secrets version, project id, network
// posture, or cache salt invalidates every cache entry at once.
func EnvSignature(policyVersion, secretsVersion, projectID, posture, cacheSalt, gatingSnapshotHash string) string {
	fields := []string{policyVersion, secretsVersion, projectID, posture, cacheSalt, gatingSnapshotHash}
	sort.Strings(fields)
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
