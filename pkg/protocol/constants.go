package protocol

// Directory and file name constants used throughout warden.
const (
	// WardenDir is the user-level state directory (e.g., ~/.warden).
	WardenDir = ".warden"

	// SocketFile is the supervisor's unix socket file name.
	SocketFile = "warden.sock"

	// StateDBFile is the runtime state database file name.
	StateDBFile = "state.db"

	// PIDFile is the supervisor daemon PID file name.
	PIDFile = "warden.pid"

	// AuditDir is the directory holding day-partitioned audit log files.
	AuditDir = "audit"

	// WorkersDir is the directory holding per-worker output logs.
	WorkersDir = "workers"

	// ConfigFile is the main daemon configuration file name.
	ConfigFile = "warden.toml"

	// PolicyFile is the event-kind policy table file name.
	PolicyFile = "policy.yaml"
)
