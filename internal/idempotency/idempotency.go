// Package idempotency derives the keys sent with runtime submissions so a
// runtime can recognise a retried submit.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON converts a value to deterministic JSON by recursively sorting map keys
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, fmt.Errorf("failed to canonicalize value: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return writeCanonical(buf, m)

	case []any:
		// Order is significant for arrays
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}

// Submission is the part of a submit request that identifies it.
type Submission struct {
	ActionName string
	Input      map[string]string
	Code       string
	// Attempt distinguishes deliberate re-submissions (a replay, a second
	// run of the same code) from retries of one submission, which share it.
	Attempt string
}

// GenerateKey creates an idempotency key for a submission
// Format: ik = SHA256(action + '\n' + canonical_json(input) + '\n' + sha256(code) + '\n' + attempt)
// Returns: "ik:" + hex-encoded SHA256
func GenerateKey(s Submission) (string, error) {
	if s.Attempt == "" {
		return "", fmt.Errorf("submission attempt id is required")
	}

	inputJSON, err := CanonicalJSON(s.Input)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize input: %w", err)
	}

	codeHash := sha256.Sum256([]byte(s.Code))

	hashInput := s.ActionName + "\n" +
		string(inputJSON) + "\n" +
		hex.EncodeToString(codeHash[:]) + "\n" +
		s.Attempt

	hash := sha256.Sum256([]byte(hashInput))
	return "ik:" + hex.EncodeToString(hash[:]), nil
}
