package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML policy file over base.
// KnownFields(true): 오타/미사용 필드 즉시 실패
func Load(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	return Parse(data, base)
}

// Parse decodes YAML over base and validates the result
func Parse(data []byte, base Policy) (Policy, error) {
	p := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return base, fmt.Errorf("decode policy: %w", err)
	}

	if err := Validate(&p); err != nil {
		return base, err
	}
	return p, nil
}

// Hash identifies a policy version in logs (canonical JSON)
func Hash(p Policy) (string, error) {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(sum[:8]), nil
}
