package client

import "time"

const (
	DefaultOperationTimeout = 4 * time.Minute
	DefaultPoolSize         = 64
	DefaultReleaseTimeout   = 5 * time.Second
)

// PoolConfig sizes the worker pool method handlers run on.
type PoolConfig struct {
	Size           int           `yaml:"size"`
	PreAlloc       bool          `yaml:"pre_alloc"`
	ReleaseTimeout time.Duration `yaml:"release_timeout"`
}

func (c *PoolConfig) ValidateAndSetDefaults() error {
	if c.Size < 0 {
		return ErrEmptyPoolSize
	}
	if c.Size == 0 {
		c.Size = DefaultPoolSize
	}
	if c.ReleaseTimeout == 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	return nil
}
