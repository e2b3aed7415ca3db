package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
[source]
db_path = "./app.db"

[[targets]]
name = "mysql_prod"
type = "mysql"

[targets.connection]
host = "localhost"
database = "backup"
username = "root"
password = "secret"

[[mappings]]
source_table = "users"
`

func TestLoadStringMinimal(t *testing.T) {
	config, err := LoadString(minimalConfig)
	require.NoError(t, err)

	assert.Equal(t, "./app.db", config.Source.DBPath)
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, 10, config.CheckpointInterval)

	// Target defaults
	require.Len(t, config.Targets, 1)
	target := config.Targets[0]
	assert.Equal(t, 3306, target.Connection.Port)
	assert.Equal(t, "utf8mb4", target.Connection.Charset)
	assert.Equal(t, 5, target.Connection.PoolSize)
	assert.Equal(t, 100, target.BatchSize)
	assert.Equal(t, 3, target.Retry.MaxRetries)
	assert.Equal(t, 1.0, target.Retry.BackoffFactor)
	assert.Equal(t, 60, target.Retry.MaxDelayS)

	// Mapping defaults
	require.Len(t, config.Mappings, 1)
	assert.Equal(t, "users", config.Mappings[0].TargetTable)
	assert.Equal(t, "id", config.Mappings[0].PrimaryKey)
}

func TestLoadTemplate(t *testing.T) {
	t.Setenv("MYSQL_USER", "root")
	t.Setenv("MYSQL_PASSWORD", "secret")
	t.Setenv("ORACLE_USER", "system")
	t.Setenv("ORACLE_PASSWORD", "secret")

	config, err := LoadString(Template)
	require.NoError(t, err)
	require.Len(t, config.Targets, 2)
	assert.Equal(t, TargetMySQL, config.Targets[0].Type)
	assert.Equal(t, TargetOracle, config.Targets[1].Type)
	assert.Equal(t, "root", config.Targets[0].Connection.Username)
	assert.Equal(t, "users_backup", config.Mappings[0].TargetTable)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CDC_TEST_HOST", "db.internal")

	expanded, err := ExpandEnv(`host = "${CDC_TEST_HOST}"`)
	require.NoError(t, err)
	assert.Equal(t, `host = "db.internal"`, expanded)

	expanded, err = ExpandEnv(`port = "${CDC_TEST_UNSET:-3306}"`)
	require.NoError(t, err)
	assert.Equal(t, `port = "3306"`, expanded)

	_, err = ExpandEnv(`pass = "${CDC_TEST_UNSET_NO_DEFAULT}"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CDC_TEST_UNSET_NO_DEFAULT")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr string
	}{
		{
			name:    "missing db path",
			mutate:  func(c *Configuration) { c.Source.DBPath = "" },
			wantErr: "db_path",
		},
		{
			name:    "non-WAL journal mode",
			mutate:  func(c *Configuration) { c.Source.JournalMode = "DELETE" },
			wantErr: "journal_mode",
		},
		{
			name:    "no targets",
			mutate:  func(c *Configuration) { c.Targets = nil },
			wantErr: "at least one target",
		},
		{
			name: "duplicate target names",
			mutate: func(c *Configuration) {
				c.Targets = append(c.Targets, c.Targets[0])
			},
			wantErr: "duplicate target name",
		},
		{
			name: "unknown target type",
			mutate: func(c *Configuration) {
				c.Targets[0].Type = "postgres"
			},
			wantErr: "unknown type",
		},
		{
			name:    "no mappings",
			mutate:  func(c *Configuration) { c.Mappings = nil },
			wantErr: "at least one table mapping",
		},
		{
			name: "mapping outside allow-list",
			mutate: func(c *Configuration) {
				c.Source.Tables = []string{"orders"}
			},
			wantErr: "not listed in source.tables",
		},
		{
			name: "unknown converter",
			mutate: func(c *Configuration) {
				c.Mappings[0].FieldMappings = []FieldMapping{
					{SourceField: "name", TargetField: "name", Converter: "reverse"},
				}
			},
			wantErr: "unknown converter",
		},
		{
			name: "default converter without value",
			mutate: func(c *Configuration) {
				c.Mappings[0].FieldMappings = []FieldMapping{
					{SourceField: "name", TargetField: "name", Converter: ConverterDefault},
				}
			},
			wantErr: "requires a value param",
		},
		{
			name: "typecast without target type",
			mutate: func(c *Configuration) {
				c.Mappings[0].FieldMappings = []FieldMapping{
					{SourceField: "age", TargetField: "age", Converter: ConverterTypecast},
				}
			},
			wantErr: "target_type",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Configuration) { c.Logging.Level = "loud" },
			wantErr: "invalid log level",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config, err := LoadString(minimalConfig)
			require.NoError(t, err)

			tc.mutate(config)
			err = config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestMappingLookup(t *testing.T) {
	config, err := LoadString(minimalConfig)
	require.NoError(t, err)

	require.NotNil(t, config.Mapping("users"))
	assert.Nil(t, config.Mapping("ghosts"))
	require.NotNil(t, config.Target("mysql_prod"))
	assert.Nil(t, config.Target("missing"))
	assert.Equal(t, []string{"users"}, config.SourceTables())
}
