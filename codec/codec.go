// Package codec encodes the metadata a partition persists: version files,
// segment info, patch overlays and stored documents.
//
// Every codec decodes what the JSON codec writes, so switching Default
// never invalidates existing partitions.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// ErrCorrupt wraps every decoding failure.
var ErrCorrupt = errors.New("corrupt metadata")

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Default is the codec used for newly written metadata.
var Default Codec = GoJSON{}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Encode marshals v with Default.
func Encode(v any) ([]byte, error) {
	return Default.Marshal(v)
}

// Decode unmarshals data with Default. what names the decoded object in
// the error, which wraps ErrCorrupt.
func Decode[T any](what string, data []byte) (T, error) {
	var v T
	if err := Default.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, what, err)
	}
	return v, nil
}

// GoJSON is the default codec, backed by github.com/goccy/go-json.
type GoJSON struct{}

func (GoJSON) Marshal(v any) ([]byte, error)      { return gojson.Marshal(v) }
func (GoJSON) Unmarshal(data []byte, v any) error { return gojson.Unmarshal(data, v) }
func (GoJSON) Name() string                       { return "go-json" }

// JSON is the standard-library codec. It reads partitions written before
// go-json became the default.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Name() string                       { return "json" }
