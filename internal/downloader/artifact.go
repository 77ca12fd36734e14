package downloader

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"

	"github.com/italolelis/taskgraph/internal/fetch"
	"github.com/italolelis/taskgraph/internal/task"
)

var ErrUnsafePath = errors.New("path escapes the target directory")

// Artifact is one file to download, as listed in a manifest or produced by
// a source.
type Artifact struct {
	Name         string   `yaml:"name"`
	Path         string   `yaml:"path"`
	URLs         []string `yaml:"urls"`
	Size         int64    `yaml:"size"`
	Algorithm    string   `yaml:"algorithm"`
	Digest       string   `yaml:"digest"`
	Significance string   `yaml:"significance"`
	Cache        bool     `yaml:"cache"`
}

// Label names the artifact in logs and task names.
func (a Artifact) Label() string {
	if a.Name != "" {
		return a.Name
	}

	if a.Path != "" {
		return filepath.Base(a.Path)
	}

	if len(a.URLs) > 0 {
		if u, err := url.Parse(a.URLs[0]); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
			return path.Base(u.Path)
		}
	}

	return "artifact"
}

func (a Artifact) significance() task.Significance {
	if a.Significance == "" {
		return task.Moderate
	}

	return task.ParseSignificance(a.Significance)
}

// Descriptor describes how the artifact is fetched. A retry of zero keeps
// the default.
func (a Artifact) Descriptor(retry int) fetch.Descriptor {
	opts := []fetch.DescriptorOption{fetch.WithCaching(a.Cache)}
	if retry > 0 {
		opts = append(opts, fetch.WithRetry(retry))
	}

	if a.Algorithm != "" && a.Digest != "" {
		opts = append(opts, fetch.WithIntegrity(a.Algorithm, a.Digest))
	}

	return fetch.NewDescriptor(a.URLs, opts...)
}

// PathResolver decides where an artifact is written.
type PathResolver interface {
	Resolve(a Artifact) (string, error)
}

// DirResolver places artifacts under Dir, at their Path when set and at
// their label otherwise.
type DirResolver struct {
	Dir string
}

func (r DirResolver) Resolve(a Artifact) (string, error) {
	rel := a.Path
	if rel == "" {
		rel = a.Label()
	}

	rel = filepath.Clean(filepath.FromSlash(rel))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, a.Path)
	}

	return filepath.Join(r.Dir, rel), nil
}
