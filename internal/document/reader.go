package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Read decodes a document population from r.
//
// Behavior:
//   - A top-level JSON array yields one Document per object element.
//   - A single top-level JSON object yields exactly one Document.
//   - Anything else is treated as line-delimited JSON: each non-empty line
//     is decoded independently, and lines that fail to decode are counted
//     and skipped rather than failing the read.
//
// The second return value is the number of skipped malformed lines.
// Errors are reserved for I/O failures and for a top-level array that is
// itself undecodable (machine-written arrays are expected to be intact).
func Read(r io.Reader) ([]Document, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("document: read: %w", err)
	}
	return decode(data)
}

// ReadFile is Read over the contents of path.
func ReadFile(path string) ([]Document, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("document: %w", err)
	}
	docs, skipped, err := decode(data)
	if err != nil {
		return nil, skipped, fmt.Errorf("document: %s: %w", path, err)
	}
	return docs, skipped, nil
}

// CollectionName derives the logical table name for a file: the base name
// without its extension ("data/receipts.json" -> "receipts").
func CollectionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func decode(data []byte) ([]Document, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, 0, nil
	}

	if trimmed[0] == '[' {
		var docs []Document
		dec := newDecoder(trimmed)
		if err := dec.Decode(&docs); err != nil {
			return nil, 0, fmt.Errorf("decode array: %w", err)
		}
		return docs, 0, nil
	}

	// Whole-document object first: this covers a pretty-printed single
	// record, which line-by-line decoding cannot.
	if wholeDocLooksSingle(trimmed) {
		var doc Document
		if err := newDecoder(trimmed).Decode(&doc); err == nil {
			return []Document{doc}, 0, nil
		}
	}

	// Line-delimited mode. One record per line, bad lines skipped.
	var (
		docs    []Document
		skipped int
	)
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var doc Document
		if err := newDecoder(line).Decode(&doc); err != nil {
			skipped++
			continue
		}
		docs = append(docs, doc)
	}
	return docs, skipped, nil
}

// wholeDocLooksSingle reports whether the input is plausibly one JSON object
// spanning the whole buffer, as opposed to one object per line. A decoder
// that consumes the full buffer and leaves nothing behind decides it.
func wholeDocLooksSingle(data []byte) bool {
	dec := newDecoder(data)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return false
	}
	// Trailing content means JSONL.
	if _, err := dec.Token(); err == io.EOF {
		return true
	}
	return false
}

func newDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}
