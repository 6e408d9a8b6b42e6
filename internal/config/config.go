package config

import "time"

// Config holds the scheduler's runtime configuration.
type Config struct {
	Addr   string // HTTP bind address
	DBPath string // SQLite database path, ":memory:" for testing

	RedisURL      string // mutation stream broker
	MutationQueue string // list the mutation stream is read from
	PrefetchCount int    // concurrent mutation handlers

	KatalogusURL    string
	OctopoesURL     string
	BytesURL        string
	OctopoesTimeout time.Duration // read timeout on object-graph calls

	QueueMaxSize int           // priority queue capacity, 0 = unbounded
	GracePeriod  time.Duration // default minimum time between repeat runs
	PollInterval time.Duration // new-boefje and rescheduling loop interval
	Workers      int           // bounded submission pool size per batch

	Debug bool // expose pprof
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Addr:            ":8004",
		DBPath:          "scanflow.db",
		RedisURL:        "redis://localhost:6379/0",
		MutationQueue:   "scan_profile_mutations",
		PrefetchCount:   100,
		KatalogusURL:    "http://localhost:8003",
		OctopoesURL:     "http://localhost:8001",
		BytesURL:        "http://localhost:8002",
		OctopoesTimeout: 30 * time.Second,
		QueueMaxSize:    1000,
		GracePeriod:     24 * time.Hour,
		PollInterval:    60 * time.Second,
		Workers:         10,
	}
}
