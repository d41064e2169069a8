package pool

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxActive   = 50
	defaultInitialSize = 5
	defaultMinIdle     = 10
)

var (
	defaultMaxWait                = time.Millisecond * 60000
	defaultEvictionScanInterval   = time.Millisecond * 2000
	defaultMinEvictableIdle       = time.Millisecond * 600000
	defaultMaxEvictableIdle       = time.Millisecond * 900000
	defaultValidationWindow       = time.Second * 60
	defaultQueryValidationTimeout = time.Second * 5
	defaultRemoveAbandonedTimeout = time.Second * 180
)

// DefaultValidationQuery is a cheap liveness probe for MySQL-family servers.
const DefaultValidationQuery = "show status like '%Service_Status%'"

// Config is the configuration of one endpoint pool. Use DefaultConfig as the
// starting point; New substitutes defaults for zero numeric and duration fields.
type Config struct {
	MaxActive   int
	InitialSize int
	MinIdle     int
	MaxWait     time.Duration

	EvictionScanInterval time.Duration
	MinEvictableIdle     time.Duration
	MaxEvictableIdle     time.Duration

	ValidationQuery        string
	ValidationWindow       time.Duration
	QueryValidationTimeout time.Duration
	// QueryValidator overrides the probe built from ValidationQuery.
	QueryValidator ValidationFunction
	TestWhileIdle  bool
	TestOnBorrow   bool
	TestOnReturn   bool

	RemoveAbandoned        bool
	RemoveAbandonedTimeout time.Duration
	// LogAbandoned records the borrower's stack so reclamation can report it.
	LogAbandoned bool

	MetricsEmitter MetricsEmitterFunction
}

// DefaultConfig returns the fixed pool configuration used for every endpoint.
func DefaultConfig() *Config {
	return &Config{
		MaxActive:              defaultMaxActive,
		InitialSize:            defaultInitialSize,
		MinIdle:                defaultMinIdle,
		MaxWait:                defaultMaxWait,
		EvictionScanInterval:   defaultEvictionScanInterval,
		MinEvictableIdle:       defaultMinEvictableIdle,
		MaxEvictableIdle:       defaultMaxEvictableIdle,
		ValidationQuery:        DefaultValidationQuery,
		ValidationWindow:       defaultValidationWindow,
		QueryValidationTimeout: defaultQueryValidationTimeout,
		TestWhileIdle:          true,
		TestOnBorrow:           false,
		TestOnReturn:           false,
		RemoveAbandoned:        true,
		RemoveAbandonedTimeout: defaultRemoveAbandonedTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = defaultMaxActive
	}
	if c.InitialSize > c.MaxActive {
		c.InitialSize = c.MaxActive
	}
	if c.MinIdle > c.MaxActive {
		c.MinIdle = c.MaxActive
	}
	if c.MaxWait == 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.EvictionScanInterval == 0 {
		c.EvictionScanInterval = defaultEvictionScanInterval
	}
	if c.MinEvictableIdle == 0 {
		c.MinEvictableIdle = defaultMinEvictableIdle
	}
	if c.MaxEvictableIdle == 0 {
		c.MaxEvictableIdle = defaultMaxEvictableIdle
	}
	if c.ValidationQuery == "" {
		c.ValidationQuery = DefaultValidationQuery
	}
	if c.ValidationWindow == 0 {
		c.ValidationWindow = defaultValidationWindow
	}
	if c.QueryValidationTimeout == 0 {
		c.QueryValidationTimeout = defaultQueryValidationTimeout
	}
	if c.RemoveAbandonedTimeout == 0 {
		c.RemoveAbandonedTimeout = defaultRemoveAbandonedTimeout
	}
	if c.QueryValidator == nil {
		c.QueryValidator = QueryValidator(c.ValidationQuery)
	}
	return c
}

// QueryValidator returns a ValidationFunction that runs query and drains its rows.
func QueryValidator(query string) ValidationFunction {
	return func(ctx context.Context, conn *sql.Conn, logger *zap.Logger) bool {
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			logger.Debug("validation query failed", zap.Error(err))
			return false
		}
		defer rows.Close()
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			logger.Debug("validation query failed", zap.Error(err))
			return false
		}
		return true
	}
}
