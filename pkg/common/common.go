package common

import (
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/jaevor/go-nanoid"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	snowNode  *snowflake.Node
	snowOnce  sync.Once
	chipIDGen func() string
	chipOnce  sync.Once
)

// UUIDint64 returns a unique snowflake ID.
func UUIDint64() int64 {
	snowOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		snowNode = node
	})
	return snowNode.Generate().Int64()
}

// NewChipID returns a short URL-safe identifier for a chip.
func NewChipID() string {
	chipOnce.Do(func() {
		gen, err := nanoid.Standard(15)
		if err != nil {
			panic(err)
		}
		chipIDGen = gen
	})
	return chipIDGen()
}

// IsEmpty reports whether s is blank after trimming.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// InSlice reports whether v is present in src.
func InSlice[T comparable](v T, src []T) bool {
	for _, s := range src {
		if s == v {
			return true
		}
	}
	return false
}
