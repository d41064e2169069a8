package endpoint

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

const jdbcPrefix = "jdbc:"

// MySQLValidationQuery is a cheap server round-trip accepted by MySQL-family analytical engines.
const MySQLValidationQuery = "show status like '%Service_Status%'"

// ConnectorFunc builds a driver.Connector for an endpoint. rawURL is the
// endpoint URL with any "jdbc:" prefix removed.
type ConnectorFunc func(spec Spec, rawURL string) (driver.Connector, error)

// Dialect is a URL scheme the package knows how to connect to.
type Dialect struct {
	Scheme          string
	ValidationQuery string
	connect         ConnectorFunc
}

var dialects = struct {
	sync.RWMutex
	m map[string]Dialect
}{m: make(map[string]Dialect)}

func init() {
	Register("mysql", MySQLValidationQuery, mysqlConnector)
	Register("postgres", "SELECT 1", pgxConnector)
	Register("postgresql", "SELECT 1", pgxConnector)
	Register("sqlite3", "SELECT 1", sqliteConnector)
}

// Register makes a URL scheme available to Resolve.
// If Register is called twice with the same scheme or if fn is nil, it panics.
func Register(scheme, validationQuery string, fn ConnectorFunc) {
	if fn == nil {
		panic("endpoint: Register connector is nil")
	}
	dialects.Lock()
	defer dialects.Unlock()
	if _, dup := dialects.m[scheme]; dup {
		panic("endpoint: Register called twice for scheme " + scheme)
	}
	dialects.m[scheme] = Dialect{Scheme: scheme, ValidationQuery: validationQuery, connect: fn}
}

// Schemes returns a sorted list of the registered URL schemes.
func Schemes() []string {
	dialects.RLock()
	defer dialects.RUnlock()
	list := make([]string, 0, len(dialects.m))
	for scheme := range dialects.m {
		list = append(list, scheme)
	}
	sort.Strings(list)
	return list
}

// Resolve picks the dialect for the endpoint's URL scheme and builds its connector.
// The connector does not touch the network until Connect is called.
func Resolve(spec Spec) (driver.Connector, Dialect, error) {
	raw := strings.TrimPrefix(spec.URL, jdbcPrefix)
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return nil, Dialect{}, fmt.Errorf("%w: endpoint %q: URL %q has no scheme", ErrConfigInvalid, spec.Name, spec.RedactedURL())
	}
	dialects.RLock()
	d, ok := dialects.m[strings.ToLower(scheme)]
	dialects.RUnlock()
	if !ok {
		return nil, Dialect{}, fmt.Errorf("%w: endpoint %q: unsupported scheme %q", ErrConfigInvalid, spec.Name, scheme)
	}
	c, err := d.connect(spec, raw)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("%w: endpoint %q: %v", ErrConfigInvalid, spec.Name, err)
	}
	return c, d, nil
}

func mysqlConnector(spec Spec, rawURL string) (driver.Connector, error) {
	cfg, err := mysqlConfig(spec, rawURL)
	if err != nil {
		return nil, err
	}
	return mysql.NewConnector(cfg)
}

func mysqlConfig(spec Spec, rawURL string) (*mysql.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q, err := translateJDBCOptions(u.Query())
	if err != nil {
		return nil, err
	}
	// known options land in their typed fields, the rest become session variables
	cfg, err := mysql.ParseDSN("/?" + q.Encode())
	if err != nil {
		return nil, err
	}
	for name := range cfg.Params {
		// server variables are lower case; anything else is a driver option the server would reject
		if name != strings.ToLower(name) {
			return nil, fmt.Errorf("unsupported connection option %q", name)
		}
	}
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.User, cfg.Passwd = spec.Username, spec.Credential
	if u.User != nil && cfg.User == "" {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	return cfg, nil
}

// Connector/J options that have no counterpart and are dropped.
var ignoredJDBCOptions = map[string]bool{
	"useUnicode":                    true,
	"autoReconnect":                 true,
	"autoReconnectForPools":         true,
	"failOverReadOnly":              true,
	"maxReconnects":                 true,
	"initialTimeout":                true,
	"zeroDateTimeBehavior":          true,
	"useLegacyDatetimeCode":         true,
	"useJDBCCompliantTimezoneShift": true,
	"rewriteBatchedStatements":      true,
	"cachePrepStmts":                true,
	"prepStmtCacheSize":             true,
	"prepStmtCacheSqlLimit":         true,
	"useServerPrepStmts":            true,
	"useCompression":                true,
	"useCursorFetch":                true,
	"defaultFetchSize":              true,
	"tinyInt1isBit":                 true,
	"yearIsDateType":                true,
	"nullCatalogMeansCurrent":       true,
	"useInformationSchema":          true,
	"allowPublicKeyRetrieval":       true,
	"useAffectedRows":               true,
	"requireSSL":                    true,
	"verifyServerCertificate":       true,
}

// translateJDBCOptions rewrites Connector/J URL options into their
// go-sql-driver equivalents. Timeouts are given in milliseconds.
func translateJDBCOptions(q url.Values) (url.Values, error) {
	out := url.Values{}
	set := func(key, value string) {
		if out.Get(key) == "" {
			out.Set(key, value)
		}
	}
	for key := range q {
		value := q.Get(key)
		switch {
		case ignoredJDBCOptions[key]:
		case key == "characterEncoding":
			set("charset", mysqlCharset(value))
		case key == "connectTimeout":
			set("timeout", value+"ms")
		case key == "socketTimeout":
			set("readTimeout", value+"ms")
			set("writeTimeout", value+"ms")
		case key == "serverTimezone":
			set("loc", value)
		case key == "allowMultiQueries":
			set("multiStatements", value)
		case key == "useSSL":
			switch {
			case value == "false":
				set("tls", "false")
			case q.Get("verifyServerCertificate") == "false":
				set("tls", "skip-verify")
			default:
				set("tls", "true")
			}
		case key == "sslMode":
			mode, ok := map[string]string{
				"DISABLED":        "false",
				"PREFERRED":       "preferred",
				"REQUIRED":        "skip-verify",
				"VERIFY_CA":       "true",
				"VERIFY_IDENTITY": "true",
			}[strings.ToUpper(value)]
			if !ok {
				return nil, fmt.Errorf("unsupported sslMode %q", value)
			}
			set("tls", mode)
		case key == "sessionVariables":
			for _, kv := range strings.Split(value, ",") {
				name, v, ok := strings.Cut(kv, "=")
				if !ok || name == "" {
					return nil, fmt.Errorf("malformed sessionVariables %q", value)
				}
				set(strings.TrimSpace(name), strings.TrimSpace(v))
			}
		default:
			// explicit go-sql-driver options win over translated ones
			out.Set(key, value)
		}
	}
	return out, nil
}

func mysqlCharset(encoding string) string {
	enc := strings.ToLower(strings.ReplaceAll(encoding, "-", ""))
	if enc == "utf8" {
		return "utf8mb4"
	}
	return enc
}

func pgxConnector(spec Spec, rawURL string) (driver.Connector, error) {
	cfg, err := pgx.ParseConfig(rawURL)
	if err != nil {
		return nil, err
	}
	if spec.Username != "" {
		cfg.User = spec.Username
	}
	if spec.Credential != "" {
		cfg.Password = spec.Credential
	}
	return stdlib.GetConnector(*cfg), nil
}

func sqliteConnector(_ Spec, rawURL string) (driver.Connector, error) {
	_, dsn, _ := strings.Cut(rawURL, "://")
	if dsn == "" {
		return nil, fmt.Errorf("sqlite3 URL needs a file path or :memory:")
	}
	return dsnConnector{dsn: dsn, driver: &sqlite3.SQLiteDriver{}}, nil
}

// dsnConnector adapts a driver without a native Connector.
type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver {
	return c.driver
}
