package store

import (
	"fmt"

	"github.com/odvcencio/hoard/pkg/hashsplit"
)

const (
	// DefaultMaxPackSize is the byte count after which a writer starts a new
	// pack.
	DefaultMaxPackSize = 1 << 30
	// DefaultMaxPackObjects is the object count after which a writer starts
	// a new pack.
	DefaultMaxPackObjects = 200000
)

// Config bounds the packs a Writer produces.
type Config struct {
	MaxPackSize    int64
	MaxPackObjects int
	// Fanout is handed to the tree assembler by callers that split content.
	Fanout int
}

// DefaultConfig returns the standard pack limits.
func DefaultConfig() Config {
	return Config{
		MaxPackSize:    DefaultMaxPackSize,
		MaxPackObjects: DefaultMaxPackObjects,
		Fanout:         hashsplit.DefaultFanout,
	}
}

// Validate reports unusable limits.
func (c Config) Validate() error {
	if c.MaxPackSize <= 0 {
		return fmt.Errorf("store: max pack size must be positive, got %d", c.MaxPackSize)
	}
	if c.MaxPackObjects <= 0 {
		return fmt.Errorf("store: max pack objects must be positive, got %d", c.MaxPackObjects)
	}
	if c.Fanout != 0 && (c.Fanout < 2 || c.Fanout&(c.Fanout-1) != 0) {
		return fmt.Errorf("store: fanout must be 0 or a power of two >= 2, got %d", c.Fanout)
	}
	return nil
}
