package gate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"sessiongate/internal/validate"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactSource resolves a task output_ref to a decoded document.
type ArtifactSource interface {
	Load(ctx context.Context, ref string) (validate.Document, error)
}

// DirSource reads artifacts from files under Root. Files ending in .json are
// decoded as JSON, everything else as YAML.
type DirSource struct {
	Root string
}

func (s DirSource) Load(ctx context.Context, ref string) (validate.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel := filepath.FromSlash(ref)
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: %s is outside %s", ErrArtifactNotFound, ref, s.Root)
	}
	data, err := os.ReadFile(filepath.Join(s.Root, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return validate.Decode(data, ref)
}

// MapSource serves artifacts from memory.
type MapSource map[string]validate.Document

func (s MapSource) Load(_ context.Context, ref string) (validate.Document, error) {
	doc, ok := s[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	return doc, nil
}
