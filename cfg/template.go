package cfg

import "os"

// Template is the annotated starter configuration emitted by `driftsync init`
const Template = `# driftsync configuration

batch_size = 100
max_batch_size = 1000
checkpoint_interval = 10
checkpoint_dir = "."
poll_interval_ms = 1000

[source]
db_path = "./source.db"
journal_mode = "WAL"
tables = ["users", "orders"]   # empty = capture all tables

[[targets]]
name = "mysql_prod"
type = "mysql"
batch_size = 100

[targets.connection]
host = "localhost"
port = 3306
database = "cdc_backup"
username = "${MYSQL_USER}"
password = "${MYSQL_PASSWORD}"

[targets.retry_policy]
max_retries = 3
backoff_factor = 1.0
max_delay = 60

[[targets]]
name = "oracle_dr"
type = "oracle"

[targets.connection]
host = "oracle.example.com"
port = 1521
service_name = "ORCL"
username = "${ORACLE_USER}"
password = "${ORACLE_PASSWORD}"

[[mappings]]
source_table = "users"
target_table = "users_backup"
primary_key = "id"
filter_condition = "deleted_at IS NULL"

[[mappings.field_mappings]]
source_field = "name"

[[mappings.field_mappings]]
source_field = "email"
converter = "lowercase"

[[mappings]]
source_table = "orders"
target_table = "orders_backup"
primary_key = "order_id"

[logging]
level = "info"
format = "console"

[metrics]
enabled = false
bind_address = "0.0.0.0:9090"
`

// WriteTemplate writes the starter configuration to path
func WriteTemplate(path string) error {
	return os.WriteFile(path, []byte(Template), 0644)
}
