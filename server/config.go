package server

import (
	"fmt"

	"github.com/B33Boy/BYOR/protocol"
)

// Config 为事件循环的运行限制，对应配置文件的 server 节。
type Config struct {
	Address     string `koanf:"address"`
	Backlog     int    `koanf:"backlog"`
	MaxEvents   int    `koanf:"max_events"`
	MaxConns    int    `koanf:"max_conns"`
	ReadChunk   int    `koanf:"read_chunk"`
	MaxFrame    int    `koanf:"max_frame"`
	MaxArgs     int    `koanf:"max_args"`
	MaxOutbound int    `koanf:"max_outbound"`
}

func DefaultConfig() Config {
	return Config{
		Address:     ":1234",
		Backlog:     128,
		MaxEvents:   128,
		MaxConns:    1024,
		ReadChunk:   64 << 10,
		MaxFrame:    protocol.DefaultMaxFrame,
		MaxArgs:     protocol.DefaultMaxArgs,
		MaxOutbound: 64 << 20,
	}
}

// Validate 拒绝非正的限制值。
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is empty", ErrInvalidConfig)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"backlog", c.Backlog},
		{"max_events", c.MaxEvents},
		{"max_conns", c.MaxConns},
		{"read_chunk", c.ReadChunk},
		{"max_frame", c.MaxFrame},
		{"max_args", c.MaxArgs},
		{"max_outbound", c.MaxOutbound},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, f.name, f.v)
		}
	}
	return nil
}
