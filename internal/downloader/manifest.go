package downloader

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest lists the artifacts of one batch run.
type Manifest struct {
	Artifacts []Artifact `yaml:"artifacts"`
}

func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest %s: %w", path, err)
	}

	return m, nil
}

func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	for i, a := range m.Artifacts {
		if len(a.URLs) == 0 {
			return nil, fmt.Errorf("artifact %d (%s) has no urls", i, a.Label())
		}

		if (a.Algorithm == "") != (a.Digest == "") {
			return nil, fmt.Errorf("artifact %d (%s) needs both algorithm and digest", i, a.Label())
		}
	}

	return &m, nil
}
