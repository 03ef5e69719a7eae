package node

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/subscope/subscope/utils"
)

// Config enumerates every knob the service recognizes. Everything reloads
// only via restart except RPCEndpoint, which is live-swappable through the
// POST endpoint.
type Config struct {
	LogLevel utils.LogLevel `mapstructure:"log-level"`
	Colour   bool           `mapstructure:"colour"`

	RPCEndpoint string `mapstructure:"rpc-endpoint" validate:"required"`
	DatabaseURL string `mapstructure:"database-url" validate:"required"`

	HTTPHost string `mapstructure:"http-host"`
	HTTPPort uint16 `mapstructure:"http-port"`

	MaxBlocksToScan   int      `mapstructure:"max-blocks-to-scan" validate:"min=1,max=1000000"`
	DefaultBatchSize  int      `mapstructure:"default-batch-size" validate:"min=1,max=1000"`
	ConnectionTimeout int      `mapstructure:"connection-timeout" validate:"min=1"`
	SearchTimeout     int      `mapstructure:"search-timeout" validate:"min=1"`
	AllowedOrigins    []string `mapstructure:"allowed-origins"`
}

// Defaults per the configuration surface; timeouts are milliseconds.
const (
	DefaultHTTPHost          = "0.0.0.0"
	DefaultHTTPPort          = uint16(3000)
	DefaultDatabaseURL       = "subscope.db"
	DefaultMaxBlocksToScan   = 10_000
	DefaultBatchSize         = 100
	DefaultConnectionTimeout = 120_000
	DefaultSearchTimeout     = 1_200_000

	// DefaultRequestBlocks is the per-request blocksToScan when the caller
	// leaves it out.
	DefaultRequestBlocks = 100
)

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
