package config

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type      string `mapstructure:"type"`
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	ProjectID string `mapstructure:"projectID"` // Optional for brokers like GCP Pub/Sub
	PoolSize  int    `mapstructure:"pool_size"`
	// EventTypes selects which bus events the relay forwards outward.
	EventTypes []string `mapstructure:"event_types"`
}
