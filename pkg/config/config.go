// Package config loads hoard.toml, the per-repository chunking and packing
// parameters.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"github.com/odvcencio/hoard/pkg/hashsplit"
	"github.com/odvcencio/hoard/pkg/store"
)

// FileName is the config file's name at the repository root.
const FileName = "hoard.toml"

// Config holds every tunable the engine reads.
type Config struct {
	Chunker hashsplit.Config
	Store   store.Config
}

// Default returns the standard parameters.
func Default() Config {
	return Config{
		Chunker: hashsplit.DefaultConfig(),
		Store:   store.DefaultConfig(),
	}
}

// Validate checks both sections.
func (c Config) Validate() error {
	if err := c.Chunker.Validate(); err != nil {
		return fmt.Errorf("config: chunker: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("config: store: %w", err)
	}
	return nil
}

// file mirrors the TOML layout. Sizes are human-readable strings such as
// "32KiB"; omitted keys keep their defaults.
type file struct {
	Chunker chunkerSection `toml:"chunker"`
	Store   storeSection   `toml:"store"`
}

type chunkerSection struct {
	Window       *int   `toml:"window,omitempty"`
	BaseBits     *int   `toml:"base_bits,omitempty"`
	BlobMax      string `toml:"blob_max,omitempty"`
	MaxExtraBits *int   `toml:"max_extra_bits,omitempty"`
}

type storeSection struct {
	MaxPackSize    string `toml:"max_pack_size,omitempty"`
	MaxPackObjects *int   `toml:"max_pack_objects,omitempty"`
	Fanout         *int   `toml:"fanout,omitempty"`
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Parse decodes TOML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	var f file
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	cfg := Default()
	if f.Chunker.Window != nil {
		cfg.Chunker.Window = *f.Chunker.Window
	}
	if f.Chunker.BaseBits != nil {
		cfg.Chunker.BaseBits = *f.Chunker.BaseBits
	}
	if f.Chunker.MaxExtraBits != nil {
		cfg.Chunker.MaxExtraBits = *f.Chunker.MaxExtraBits
	}
	if f.Chunker.BlobMax != "" {
		n, err := units.RAMInBytes(f.Chunker.BlobMax)
		if err != nil {
			return Config{}, fmt.Errorf("chunker.blob_max: %w", err)
		}
		cfg.Chunker.BlobMax = int(n)
	}
	if f.Store.MaxPackSize != "" {
		n, err := units.RAMInBytes(f.Store.MaxPackSize)
		if err != nil {
			return Config{}, fmt.Errorf("store.max_pack_size: %w", err)
		}
		cfg.Store.MaxPackSize = n
	}
	if f.Store.MaxPackObjects != nil {
		cfg.Store.MaxPackObjects = *f.Store.MaxPackObjects
	}
	if f.Store.Fanout != nil {
		cfg.Store.Fanout = *f.Store.Fanout
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders cfg as TOML with every key present.
func Marshal(cfg Config) ([]byte, error) {
	f := file{
		Chunker: chunkerSection{
			Window:   &cfg.Chunker.Window,
			BaseBits: &cfg.Chunker.BaseBits,
			BlobMax:  units.BytesSize(float64(cfg.Chunker.BlobMax)),
		},
		Store: storeSection{
			MaxPackSize:    units.BytesSize(float64(cfg.Store.MaxPackSize)),
			MaxPackObjects: &cfg.Store.MaxPackObjects,
			Fanout:         &cfg.Store.Fanout,
		},
	}
	if cfg.Chunker.MaxExtraBits != 0 {
		f.Chunker.MaxExtraBits = &cfg.Chunker.MaxExtraBits
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Write atomically writes cfg to path.
func Write(path string, cfg Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-tmp-*")
	if err != nil {
		return fmt.Errorf("write config: tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: rename: %w", err)
	}
	return nil
}
