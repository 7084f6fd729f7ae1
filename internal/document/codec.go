package document

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"io"
)

// Encode compresses a document snapshot into the opaque wire form carried
// in resource encContent fields: JSON, zlib-deflated, base64-encoded.
func Encode(d *Document) (string, error) {
	raw, err := d.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to serialize document %s: %w", d.ID, err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("failed to compress document %s: %w", d.ID, err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress document %s: %w", d.ID, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. A corrupt snapshot returns an error; callers are
// expected to log and skip the affected item rather than abort a batch.
func Decode(enc string) (*Document, error) {
	compressed, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	var d Document
	if err := d.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &d, nil
}
