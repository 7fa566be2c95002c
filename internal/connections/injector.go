// Package connections resolves connection ids into credentials for script
// processes.
package connections

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"scriptserver/internal/execution"
)

// Connection is one named set of credentials. Every field is exported as
// EnvPrefix_FIELD. Every entry of Files is written to a private temp file
// whose path is exported under the entry's key.
type Connection struct {
	Type      string            `yaml:"type"`
	EnvPrefix string            `yaml:"env_prefix"`
	Fields    map[string]string `yaml:"fields"`
	Files     map[string]string `yaml:"files"`
}

type file struct {
	Connections map[string]Connection `yaml:"connections"`
}

// Injector reads the connections file on every call so edits apply to the
// next execution.
type Injector struct {
	path    string
	tempDir string
	logger  *slog.Logger
}

// NewInjector reads connections from path and writes credential files under
// tempDir, or the system temp dir when empty.
func NewInjector(path, tempDir string, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{path: path, tempDir: tempDir, logger: logger}
}

func (i *Injector) load() (map[string]Connection, error) {
	data, err := os.ReadFile(i.path)
	if err != nil {
		return nil, errors.Wrap(err, "read connections file")
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parse %s", i.path)
	}
	return f.Connections, nil
}

// Inject resolves ids. Unknown ids are skipped with a warning. On error no
// temp file is left behind.
func (i *Injector) Inject(ctx context.Context, ids []string) (*execution.Credentials, error) {
	conns, err := i.load()
	if err != nil {
		return nil, err
	}
	creds := &execution.Credentials{Env: map[string]string{}}
	for _, id := range ids {
		conn, ok := conns[id]
		if !ok {
			i.logger.WarnContext(ctx, "connection not found, skipping", "connection", id)
			continue
		}
		for _, field := range slices.Sorted(maps.Keys(conn.Fields)) {
			creds.Env[envName(conn.EnvPrefix, field)] = conn.Fields[field]
		}
		for _, envVar := range slices.Sorted(maps.Keys(conn.Files)) {
			path, err := i.writeTemp(id, conn.Files[envVar])
			if err != nil {
				removeAll(creds.TempFiles)
				return nil, errors.Wrapf(err, "connection %s", id)
			}
			creds.TempFiles = append(creds.TempFiles, path)
			creds.Env[envVar] = path
		}
		i.logger.InfoContext(ctx, "injected connection", "connection", id, "type", conn.Type)
	}
	return creds, nil
}

func (i *Injector) writeTemp(id, content string) (string, error) {
	if i.tempDir != "" {
		if err := os.MkdirAll(i.tempDir, 0o700); err != nil {
			return "", errors.Wrap(err, "create credential dir")
		}
	}
	f, err := os.CreateTemp(i.tempDir, "conn-"+id+"-*")
	if err != nil {
		return "", errors.Wrap(err, "create credential file")
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.Wrap(err, "write credential file")
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(err, "close credential file")
	}
	return f.Name(), nil
}

func envName(prefix, field string) string {
	field = strings.ToUpper(field)
	if prefix == "" {
		return field
	}
	return strings.ToUpper(prefix) + "_" + field
}

func removeAll(paths []string) {
	for _, path := range paths {
		_ = os.Remove(path)
	}
}
