package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/crosspost-io/crosspost/content"
)

// Dir is a ContentSource reading documents from a directory. A document id
// maps to <dir>/<id>.json, <id>.yaml, or <id>.yml, tried in that order.
// Document ids must be plain names; path separators are rejected.
type Dir struct {
	root string
}

// NewDir constructs a directory-backed source rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Fetch implements ContentSource.
func (d *Dir) Fetch(_ context.Context, documentID string) (content.RawContent, error) {
	if documentID == "" || documentID != filepath.Base(documentID) || strings.HasPrefix(documentID, ".") {
		return content.RawContent{}, fmt.Errorf("invalid document id %q", documentID)
	}
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := filepath.Join(d.root, documentID+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return content.RawContent{}, fmt.Errorf("read document %q: %w", documentID, err)
		}
		return decode(documentID, ext, data)
	}
	return content.RawContent{}, fmt.Errorf("document %q not found", documentID)
}

func decode(documentID, ext string, data []byte) (content.RawContent, error) {
	var raw content.RawContent
	var err error
	if ext == ".json" {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return content.RawContent{}, fmt.Errorf("decode document %q: %w", documentID, err)
	}
	if raw.DocumentID == "" {
		raw.DocumentID = documentID
	}
	return raw, nil
}
