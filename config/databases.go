package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/dbconn/database"
)

// DefaultSettingsPrefix is the settings key of the primary database uri.
const DefaultSettingsPrefix = "dbconn.uri"

// URIList holds the primary database declaration. It accepts a single uri,
// a whitespace or newline separated string of uris, or a list of uris.
type URIList []string

// UnmarshalYAML allows the uri list to be declared as a scalar or a sequence.
func (l *URIList) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("uri node is nil")
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode uri: %w", err)
		}
		*l = SplitURIs(raw)
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode uri list: %w", err)
		}
		out := make(URIList, 0, len(raw))
		for _, item := range raw {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("unsupported uri node kind %d", value.Kind)
	}
}

// SplitURIs splits a whitespace or newline separated uri declaration.
func SplitURIs(raw string) URIList {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	return URIList(fields)
}

// NamedURI declares one named database.
type NamedURI struct {
	Name string
	URI  string
}

// NamedURIs keeps named database declarations in the order they appear.
type NamedURIs []NamedURI

// UnmarshalYAML decodes a name to uri mapping preserving declaration order.
func (n *NamedURIs) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("named uri node is nil")
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("named databases must be a mapping, got node kind %d", value.Kind)
	}
	out := make(NamedURIs, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var name, uri string
		if err := value.Content[i].Decode(&name); err != nil {
			return fmt.Errorf("decode database name: %w", err)
		}
		if err := value.Content[i+1].Decode(&uri); err != nil {
			return fmt.Errorf("decode uri of database %q: %w", name, err)
		}
		out = append(out, NamedURI{Name: strings.TrimSpace(name), URI: strings.TrimSpace(uri)})
	}
	*n = out
	return nil
}

// DatabasesConfig declares the primary database and named secondaries.
type DatabasesConfig struct {
	URI   URIList   `yaml:"uri"`
	Named NamedURIs `yaml:"named"`
}

// Empty reports whether no database is declared.
func (d DatabasesConfig) Empty() bool {
	return len(d.URI) == 0 && len(d.Named) == 0
}

// Layout returns the declared databases in order: the first uri is the
// primary database, further uris are named by their database_name option,
// followed by the named declarations.
func (d DatabasesConfig) Layout() (database.Layout, error) {
	layout := make(database.Layout, 0, len(d.URI)+len(d.Named))
	for i, uri := range d.URI {
		name := database.PrimaryName
		if i > 0 {
			declared, err := declaredName(uri)
			if err != nil {
				return nil, err
			}
			name = declared
		}
		layout = append(layout, database.Entry{Name: name, URI: uri})
	}
	for _, named := range d.Named {
		if named.Name == "" {
			return nil, fmt.Errorf("%w: %s (uri %q)", ErrConfiguration, errEmptyName, named.URI)
		}
		if named.URI == "" {
			return nil, fmt.Errorf("%w: database %q has an empty uri", ErrConfiguration, named.Name)
		}
		layout = append(layout, database.Entry{Name: named.Name, URI: named.URI})
	}
	return layout, nil
}

func declaredName(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: invalid database uri %q: %v", ErrConfiguration, uri, err)
	}
	return parsed.Query().Get("database_name"), nil
}

// FromSettings reads database declarations from flat key/value settings,
// the form hosts embedding dbconn usually keep them in. The key prefix
// holds the primary uri (or several, whitespace separated) and keys of the
// form prefix.NAME hold named databases. Named databases are ordered by
// name. The dbconn command reads such settings with LoadSettings.
func FromSettings(settings map[string]string, prefix string) (DatabasesConfig, error) {
	if prefix == "" {
		prefix = DefaultSettingsPrefix
	}
	var cfg DatabasesConfig
	if raw, ok := settings[prefix]; ok {
		cfg.URI = SplitURIs(raw)
	}
	namedPrefix := prefix + "."
	for key, value := range settings {
		if !strings.HasPrefix(key, namedPrefix) {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(key, namedPrefix))
		if name == "" {
			return DatabasesConfig{}, fmt.Errorf("%w: setting %q: %s", ErrConfiguration, key, errEmptyName)
		}
		cfg.Named = append(cfg.Named, NamedURI{Name: name, URI: strings.TrimSpace(value)})
	}
	sort.Slice(cfg.Named, func(i, j int) bool { return cfg.Named[i].Name < cfg.Named[j].Name })
	return cfg, nil
}

// LoadSettings reads a flat settings document: a YAML mapping of dotted
// keys to string values, for example "dbconn.uri.sessions: mem://".
// A missing file yields no settings.
func LoadSettings(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	settings := map[string]string{}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, &InvalidError{Source: path, Err: fmt.Errorf("settings must map keys to strings: %w", err)}
	}
	return settings, nil
}

// ApplySettings replaces the database declarations of c with those found
// in settings under prefix. It reports whether settings declared any
// database; when none is declared c is left unchanged.
func (c *Config) ApplySettings(settings map[string]string, prefix string) (bool, error) {
	declared, err := FromSettings(settings, prefix)
	if err != nil {
		return false, err
	}
	if declared.Empty() {
		return false, nil
	}
	c.Databases = declared
	return true, nil
}
