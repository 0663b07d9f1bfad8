package attention

import "runtime"

// Default tile sizes, tuned for f32 rows on current CPUs.
const (
	DefaultBr = 64
	DefaultBc = 64
)

// Config carries the tiling and execution parameters for one Forward
// invocation.
type Config struct {
	Br      int  // query rows per tile
	Bc      int  // key columns per tile
	Causal  bool // mask keys after the query position
	Workers int  // parallel workers; <= 0 selects runtime.NumCPU()
}

func DefaultConfig() Config {
	return Config{Br: DefaultBr, Bc: DefaultBc}
}

// normalized resolves defaults and clamps tile sizes to the sequence
// length so scratch never outgrows the problem.
func (c Config) normalized(n int) Config {
	if c.Br <= 0 {
		c.Br = DefaultBr
	}
	if c.Bc <= 0 {
		c.Bc = DefaultBc
	}
	if c.Br > n {
		c.Br = n
	}
	if c.Bc > n {
		c.Bc = n
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}
