package files

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"agora/internal/apperr"
	"agora/internal/lightning"
)

// ConfigFileName is the per-directory access config.
const ConfigFileName = ".agora.yaml"

// Access is the resolved access policy for files in a directory.
type Access struct {
	Paid      bool
	BasePrice *lightning.Millisatoshi
}

// configFile mirrors one .agora.yaml. Absent fields inherit.
type configFile struct {
	Paid      *bool                   `yaml:"paid"`
	BasePrice *lightning.Millisatoshi `yaml:"base-price"`
}

// ResolveAccess folds the config files of every directory from base down
// to dir, inclusive, over the default policy of free with no price.
func ResolveAccess(base, dir Path) (Access, error) {
	chain, err := ancestors(base, dir)
	if err != nil {
		return Access{}, err
	}

	var access Access
	for _, d := range chain {
		cfg, err := loadConfigFile(d)
		if err != nil {
			return Access{}, err
		}
		if cfg == nil {
			continue
		}
		if cfg.Paid != nil {
			access.Paid = *cfg.Paid
		}
		if cfg.BasePrice != nil {
			price := *cfg.BasePrice
			access.BasePrice = &price
		}
	}
	return access, nil
}

// ancestors returns base, then each directory below it down to dir.
func ancestors(base, dir Path) ([]Path, error) {
	rel, err := filepath.Rel(base.full, dir.full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, apperr.Internalf("config lookup for `%s` outside of base directory", dir.display)
	}

	if info, err := os.Stat(dir.full); err != nil {
		return nil, apperr.IO(dir.display, err)
	} else if !info.IsDir() {
		return nil, apperr.Internalf("config lookup for non-directory `%s`", dir.display)
	}

	chain := []Path{base}
	if rel == "." {
		return chain, nil
	}
	cur := base
	for _, name := range strings.Split(rel, string(filepath.Separator)) {
		next, err := cur.Join(name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// loadConfigFile returns nil when dir has no config file.
func loadConfigFile(dir Path) (*configFile, error) {
	p := dir.join(ConfigFileName)

	data, err := os.ReadFile(p.full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.IO(p.display, err)
	}

	var cfg configFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &apperr.Error{Kind: apperr.ConfigDeserialize, Path: p.display, Err: err}
	}
	return &cfg, nil
}
