package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is returned when the endpoint description cannot be turned into a list of Specs.
var ErrConfigInvalid = errors.New("endpoint: invalid endpoint configuration")

// Spec describes one database instance that can serve queries.
type Spec struct {
	Name       string
	URL        string
	Username   string
	Credential string
}

// RedactedURL returns the URL with any embedded password masked, suitable for logging.
func (s Spec) RedactedURL() string {
	u, err := url.Parse(strings.TrimPrefix(s.URL, jdbcPrefix))
	if err != nil {
		return s.URL
	}
	return u.Redacted()
}

// Entry is one element of the ordered constructor input: an endpoint name and
// its [URL, username, credential] tuple.
type Entry struct {
	Name   string
	Params []string
}

// Entries is an ordered list of Entry. The order is the failover order.
type Entries []Entry

// UnmarshalYAML decodes a YAML mapping of name -> [url, user, credential]
// while keeping the mapping's key order.
func (e *Entries) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: endpoints must be a mapping, line %d", ErrConfigInvalid, value.Line)
	}
	entries := make(Entries, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		var params []string
		if err := val.Decode(&params); err != nil {
			return fmt.Errorf("%w: endpoint %q, line %d: %v", ErrConfigInvalid, key.Value, val.Line, err)
		}
		entries = append(entries, Entry{Name: key.Value, Params: params})
	}
	*e = entries
	return nil
}

// Parse validates the entries and converts them to Specs, keeping their order.
// Every entry must carry exactly three parameters and names must be unique.
func Parse(entries Entries) ([]Spec, error) {
	specs := make([]Spec, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: entry %d has an empty name", ErrConfigInvalid, i)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate endpoint %q", ErrConfigInvalid, e.Name)
		}
		seen[e.Name] = struct{}{}
		if len(e.Params) != 3 {
			return nil, fmt.Errorf("%w: endpoint %q needs [url, username, credential], got %d values",
				ErrConfigInvalid, e.Name, len(e.Params))
		}
		if e.Params[0] == "" {
			return nil, fmt.Errorf("%w: endpoint %q has an empty URL", ErrConfigInvalid, e.Name)
		}
		specs = append(specs, Spec{
			Name:       e.Name,
			URL:        e.Params[0],
			Username:   e.Params[1],
			Credential: e.Params[2],
		})
	}
	return specs, nil
}
