// Package jsoncodec is the JSON codec used for message bodies and the
// diagnostics API, backed by sonic with encoding/json compatible settings.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// EncodeIndent writes v like Encode, indenting nested values.
func EncodeIndent(w io.Writer, v any, prefix, indent string) error {
	enc := defaultConfig.NewEncoder(w)
	enc.SetIndent(prefix, indent)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
