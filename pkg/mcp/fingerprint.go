package mcp

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns the cache fingerprint of a tool's arguments: the md5
// of their canonical JSON encoding. Two argument objects that differ only
// in key order or whitespace produce the same fingerprint.
func Fingerprint(args json.RawMessage) (string, error) {
	canonical, err := canonicalJSON(args)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-encodes a JSON document with object keys sorted at every
// nesting level. Numbers pass through verbatim so 1 and 1.0 stay distinct.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	// encoding/json marshals map keys in sorted order at every level.
	return json.Marshal(doc)
}
