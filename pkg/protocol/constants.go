package protocol

// Directory and file names used throughout coe.
const (
	// HomeDir is the user-level state directory (e.g., ~/.coe).
	HomeDir = ".coe"

	// DBFile is the ticket database file name inside HomeDir.
	DBFile = "tickets.db"

	// ConfigFile is the config file name (without extension) viper looks for.
	ConfigFile = "config"

	// EscalationPrefix starts the title of every escalation ticket.
	EscalationPrefix = "P1 BLOCKED: "
)
