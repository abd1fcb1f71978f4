package realtime

import "time"

// TableConfig names a table and the column that scopes its rows to a user.
type TableConfig struct {
	Table      string
	UserColumn string
}

// Config holds the realtime service configuration.
type Config struct {
	Schema string

	Notifications TableConfig
	Tasks         TableConfig
	Announcements TableConfig
	Schedules     TableConfig

	Retry RetryPolicy

	// HeartbeatTimeout bounds CheckConnection.
	HeartbeatTimeout time.Duration

	// TeardownTimeout bounds each channel removal.
	TeardownTimeout time.Duration

	// SubscribeTimeout bounds the subscribe call itself (dial and join
	// send), not the arrival of SUBSCRIBED.
	SubscribeTimeout time.Duration
}

// DefaultConfig returns the configuration matching the fitdesk schema.
func DefaultConfig() Config {
	return Config{
		Schema:           "public",
		Notifications:    TableConfig{Table: "notifications", UserColumn: "user_id"},
		Tasks:            TableConfig{Table: "tasks", UserColumn: "assigned_to"},
		Announcements:    TableConfig{Table: "announcements"},
		Schedules:        TableConfig{Table: "schedules", UserColumn: "trainer_id"},
		Retry:            DefaultRetryPolicy(),
		HeartbeatTimeout: 5 * time.Second,
		TeardownTimeout:  5 * time.Second,
		SubscribeTimeout: 10 * time.Second,
	}
}
