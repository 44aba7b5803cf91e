// Package persist provides codec-based file persistence for history and run
// archive documents: JSON and LZ4-compressed JSON codecs plus atomic,
// fsync-backed file replacement.
package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
)

// File extensions for supported codecs.
const (
	jsonExtension = ".json"
	lz4Extension  = ".lz4"
)

// Default indentation for pretty-printed JSON.
const defaultIndent = "  "

// tmpExtension marks the in-flight sibling written before the atomic rename.
const tmpExtension = ".tmp"

// Directory and file modes for persisted state.
const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Codec defines how state is serialized and deserialized.
type Codec interface {
	// Encode writes the state to the writer.
	Encode(w io.Writer, state any) error
	// Decode reads the state from the reader.
	Decode(r io.Reader, state any) error
	// Extension returns the file extension for this codec (e.g., ".json").
	Extension() string
}

// JSONCodec implements Codec using JSON encoding with optional indentation.
type JSONCodec struct {
	// Indent specifies the indentation string. Empty string means compact JSON.
	Indent string
}

// NewJSONCodec creates a JSON codec with pretty-printing (2-space indent).
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: defaultIndent}
}

// Encode implements Codec.Encode using JSON encoding.
func (c *JSONCodec) Encode(w io.Writer, state any) error {
	encoder := json.NewEncoder(w)
	if c.Indent != "" {
		encoder.SetIndent("", c.Indent)
	}

	err := encoder.Encode(state)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode using JSON decoding.
func (c *JSONCodec) Decode(r io.Reader, state any) error {
	decoder := json.NewDecoder(r)

	err := decoder.Decode(state)
	if err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}

// Extension implements Codec.Extension for JSON files.
func (c *JSONCodec) Extension() string {
	return jsonExtension
}

// LZ4Codec wraps an inner codec with LZ4 frame compression. Aggregated run
// archives compress well because step texts repeat across samples.
type LZ4Codec struct {
	// Inner is the codec applied inside the compressed stream. Nil selects
	// pretty-printed JSON.
	Inner Codec
}

// NewLZ4Codec creates an LZ4 codec over pretty-printed JSON.
func NewLZ4Codec() *LZ4Codec {
	return &LZ4Codec{Inner: NewJSONCodec()}
}

// Encode implements Codec.Encode: the inner encoding is streamed through an
// LZ4 frame writer.
func (c *LZ4Codec) Encode(w io.Writer, state any) error {
	zw := lz4.NewWriter(w)

	encodeErr := c.inner().Encode(zw, state)
	if encodeErr != nil {
		return fmt.Errorf("lz4 encode: %w", encodeErr)
	}

	closeErr := zw.Close()
	if closeErr != nil {
		return fmt.Errorf("lz4 flush: %w", closeErr)
	}

	return nil
}

// Decode implements Codec.Decode by decompressing the LZ4 frame around the
// inner decoding.
func (c *LZ4Codec) Decode(r io.Reader, state any) error {
	decodeErr := c.inner().Decode(lz4.NewReader(r), state)
	if decodeErr != nil {
		return fmt.Errorf("lz4 decode: %w", decodeErr)
	}

	return nil
}

// Extension implements Codec.Extension by suffixing the inner extension.
func (c *LZ4Codec) Extension() string {
	return c.inner().Extension() + lz4Extension
}

func (c *LZ4Codec) inner() Codec {
	if c.Inner != nil {
		return c.Inner
	}

	return NewJSONCodec()
}

// CodecForPath selects a codec from the path's extension: ".lz4" selects
// LZ4-compressed JSON, anything else plain JSON.
func CodecForPath(path string) Codec {
	if filepath.Ext(path) == lz4Extension {
		return NewLZ4Codec()
	}

	return NewJSONCodec()
}

// SaveState atomically replaces the file at path with the encoded state,
// creating the parent directory when missing. The bytes go to a temporary
// sibling first and are synced before the rename, so a crash mid-write
// leaves the previous file intact.
func SaveState(path string, codec Codec, state any) error {
	mkErr := os.MkdirAll(filepath.Dir(path), dirPerm)
	if mkErr != nil {
		return fmt.Errorf("create state directory: %w", mkErr)
	}

	tmpPath := path + tmpExtension

	writeErr := writeState(tmpPath, codec, state)
	if writeErr != nil {
		os.Remove(tmpPath)

		return writeErr
	}

	renameErr := os.Rename(tmpPath, path)
	if renameErr != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("commit state file: %w", renameErr)
	}

	return nil
}

func writeState(tmpPath string, codec Codec, state any) error {
	fd, createErr := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if createErr != nil {
		return fmt.Errorf("create state file: %w", createErr)
	}

	encodeErr := codec.Encode(fd, state)
	if encodeErr != nil {
		fd.Close()

		return fmt.Errorf("encode state: %w", encodeErr)
	}

	syncErr := fd.Sync()
	if syncErr != nil {
		fd.Close()

		return fmt.Errorf("sync state file: %w", syncErr)
	}

	closeErr := fd.Close()
	if closeErr != nil {
		return fmt.Errorf("close state file: %w", closeErr)
	}

	return nil
}

// LoadState decodes the file at path into state, which must be a pointer to
// the target value. A missing file surfaces as fs.ErrNotExist through the
// wrapped error.
func LoadState(path string, codec Codec, state any) error {
	fd, openErr := os.Open(path)
	if openErr != nil {
		return fmt.Errorf("open state file: %w", openErr)
	}
	defer fd.Close()

	decodeErr := codec.Decode(fd, state)
	if decodeErr != nil {
		return fmt.Errorf("decode state: %w", decodeErr)
	}

	return nil
}
