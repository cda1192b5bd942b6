package socket

import "time"

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPushTimeout      = 10 * time.Second

	minReadBufferSize  = 1024
	minWriteBufferSize = 1024

	// Capacity of the outbound send queue.
	defaultSendQueueCapacity = 64
)

// Config is a Socket configuration.
type Config struct {
	// Maximum wait for the websocket handshake to complete.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// Maximum wait for a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Default timeout applied to pushes whose caller did not pick one.
	PushTimeout time.Duration `mapstructure:"push_timeout"`

	// Read and write buffer sizes of the underlying connection.
	ReadBufferSize  int `mapstructure:"read_buffer_size"`
	WriteBufferSize int `mapstructure:"write_buffer_size"`

	// Capacity of the outbound send queue. Send fails once it is full.
	SendQueueCapacity int `mapstructure:"send_queue_capacity"`
}

// DefaultConfig returns the default config.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  defaultHandshakeTimeout,
		WriteTimeout:      defaultWriteTimeout,
		PushTimeout:       defaultPushTimeout,
		ReadBufferSize:    minReadBufferSize,
		WriteBufferSize:   minWriteBufferSize,
		SendQueueCapacity: defaultSendQueueCapacity,
	}
}

// FillDefaults replaces zero values with defaults.
func (cfg Config) FillDefaults() Config {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = def.PushTimeout
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = def.WriteBufferSize
	}
	if cfg.SendQueueCapacity <= 0 {
		cfg.SendQueueCapacity = def.SendQueueCapacity
	}
	return cfg
}
