// Package catalog turns declarative table definitions into connected
// sources and a ready-to-use builder delegate. Definitions come from a
// yaml document; table data can be preloaded from newline-delimited JSON
// files, and operator state can be kept in memory or in a badger database
// on disk.
package catalog

import (
	"crypto/rand"
	"os"

	"github.com/dgraph-io/badger/v2"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/incview/incview"
	"github.com/incview/incview/ast"
	"github.com/incview/incview/ivm"
	"github.com/incview/incview/storage"
)

type ColumnConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type TableConfig struct {
	Name       string         `yaml:"name"`
	Columns    []ColumnConfig `yaml:"columns"`
	PrimaryKey []string       `yaml:"primaryKey"`
	// DataPath preloads the table from a newline-delimited JSON file.
	DataPath string `yaml:"dataPath"`
}

type Config struct {
	Tables []TableConfig `yaml:"tables"`
	// StorageDirectory switches operator state from memory to badger.
	StorageDirectory string `yaml:"storageDirectory"`
}

func ReadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open configuration file")
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, errors.Wrap(err, "couldn't decode yaml configuration")
	}
	return &config, nil
}

// Catalog holds the configured sources and hands out operator storage. It
// implements builder.Delegate.
type Catalog struct {
	sources map[string]*ivm.MemorySource
	db      *badger.DB
}

func NewCatalog(config *Config) (*Catalog, error) {
	catalog := &Catalog{sources: make(map[string]*ivm.MemorySource)}

	for _, table := range config.Tables {
		if table.Name == "" {
			return nil, errors.New("table definition is missing a name")
		}
		if _, ok := catalog.sources[table.Name]; ok {
			return nil, errors.Errorf("table %q is defined twice", table.Name)
		}
		schema, err := tableSchema(table)
		if err != nil {
			return nil, err
		}
		source := ivm.NewMemorySource(schema)
		if table.DataPath != "" {
			rows, err := LoadJSONRows(table.DataPath, schema)
			if err != nil {
				return nil, errors.Wrapf(err, "couldn't load data for table %q", table.Name)
			}
			for _, row := range rows {
				if err := source.PushRow(ivm.RowChange{Type: ivm.RowAdd, Row: row}); err != nil {
					return nil, errors.Wrapf(err, "couldn't load data for table %q", table.Name)
				}
			}
		}
		catalog.sources[table.Name] = source
	}

	if config.StorageDirectory != "" {
		options := badger.DefaultOptions(config.StorageDirectory).WithLogger(nil)
		db, err := badger.Open(options)
		if err != nil {
			return nil, errors.Wrap(err, "couldn't open storage database")
		}
		catalog.db = db
	}
	return catalog, nil
}

func tableSchema(table TableConfig) (*ivm.Schema, error) {
	if len(table.PrimaryKey) == 0 {
		return nil, errors.Errorf("table %q has no primary key", table.Name)
	}
	schema := &ivm.Schema{
		Table:      table.Name,
		PrimaryKey: append([]string(nil), table.PrimaryKey...),
	}
	for _, column := range table.Columns {
		typeID, err := incview.ParseTypeID(column.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q of table %q", column.Name, table.Name)
		}
		schema.Columns = append(schema.Columns, ivm.Column{Name: column.Name, Type: typeID})
	}
	for _, field := range table.PrimaryKey {
		found := false
		for _, column := range schema.Columns {
			if column.Name == field {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("primary key field %q of table %q is not a column", field, table.Name)
		}
	}
	return schema, nil
}

// Source returns the configured source for a table.
func (c *Catalog) Source(table string) (*ivm.MemorySource, bool) {
	source, ok := c.sources[table]
	return source, ok
}

func (c *Catalog) GetSource(table string) (ivm.Source, error) {
	source, ok := c.sources[table]
	if !ok {
		return nil, errors.Errorf("no source for table %q", table)
	}
	return source, nil
}

// CreateStorage returns a memory store, or a prefix-scoped view of the
// badger database when a storage directory is configured. Storage names
// repeat across pipeline builds, so the badger prefix is salted with a
// fresh id to keep each operator's state private.
func (c *Catalog) CreateStorage(name string) (storage.Storage, error) {
	if c.db != nil {
		id := ulid.MustNew(ulid.Now(), rand.Reader)
		return storage.NewBadgerStorage(c.db, name+"/"+id.String()+"/"), nil
	}
	return storage.NewMemoryStorage(), nil
}

func (c *Catalog) AddEdge(from, to string) {}

func (c *Catalog) DecorateInput(input ivm.Input, name string) ivm.Input {
	return input
}

func (c *Catalog) DecorateFilterInput(input ivm.Input, name string) ivm.Input {
	return input
}

func (c *Catalog) DecorateSourceInput(input ivm.SourceInput, name string) ivm.SourceInput {
	return input
}

func (c *Catalog) MapAST(query *ast.Query) *ast.Query {
	return query
}

func (c *Catalog) ApplyFiltersAnyway() bool {
	return false
}

// Close releases the badger database, if any. Sources live in memory and
// need no teardown.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return errors.Wrap(c.db.Close(), "couldn't close storage database")
}
