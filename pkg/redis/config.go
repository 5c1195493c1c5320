package redis

import "time"

// Config holds redis connection settings. ConnectionURL follows the
// redis://:password@host:port/db form.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	// EventTTL is how long processed webhook event ids stay in the fast
	// path. Should exceed the gateway's retry window; the durable ledger
	// covers anything beyond it.
	EventTTL time.Duration `env:"REDIS_EVENT_TTL" envDefault:"72h"`
}
