package registry

import (
	"database/sql/driver"

	"github.com/kong/adb-failover-client/pkg/endpoint"
	"github.com/kong/adb-failover-client/pkg/pool"
)

// Option is a configuration option for a Registry.
type Option func(*options)

// ConnectorFunc builds the connector for one endpoint.
type ConnectorFunc func(spec endpoint.Spec) (driver.Connector, error)

type options struct {
	poolConfig *pool.Config
	connector  ConnectorFunc
	emitter    pool.MetricsEmitterFunction
}

// WithPoolConfig sets the configuration every pool is built from. A zero or
// default ValidationQuery is replaced by the endpoint dialect's query.
func WithPoolConfig(cfg *pool.Config) Option {
	return func(o *options) {
		o.poolConfig = cfg
	}
}

// WithConnector replaces URL scheme resolution, e.g. to build the registry
// over an in-memory driver.
func WithConnector(fn ConnectorFunc) Option {
	return func(o *options) {
		o.connector = fn
	}
}

// WithMetricsEmitter creates an Option that makes every pool report its stats to fn.
func WithMetricsEmitter(fn pool.MetricsEmitterFunction) Option {
	return func(o *options) {
		o.emitter = fn
	}
}
