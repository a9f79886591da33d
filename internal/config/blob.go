package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Config blobs are a compact hand-off format for operators: the whole
// configuration CBOR-encoded (integer keys) and base64 wrapped, suitable for
// a single environment variable or a provisioning record.

// EncodeBlob serializes the config into a base64 CBOR blob.
func EncodeBlob(cfg Config) (string, error) {
	data, err := cbor.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode blob: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBlob parses a base64 CBOR blob back into a config. Whitespace in the
// base64 text is ignored.
func DecodeBlob(blob string) (Config, error) {
	clean := stripWhitespace(blob)
	if clean == "" {
		return Config{}, fmt.Errorf("empty config blob")
	}
	data, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return Config{}, fmt.Errorf("decode blob base64: %w", err)
	}
	var cfg Config
	if err := cbor.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode blob: %w", err)
	}
	return cfg, nil
}

func stripWhitespace(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch r {
		case ' ', '\n', '\r', '\t':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
