package db

import (
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/whatsapp-dispatch/internal/config"
)

// Scylla wraps the gocql session holding the message event timeline.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a new Scylla session.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}
	if cluster.Port == 0 {
		cluster.Port = 9042
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	return &Scylla{session: session}, nil
}

// EnsureKeyspace creates the configured keyspace with SimpleStrategy when it
// does not exist yet.
func EnsureKeyspace(cfg config.ScyllaConfig, replication int) error {
	if cfg.Keyspace == "" {
		return fmt.Errorf("scylla: no keyspace configured")
	}
	if replication <= 0 {
		replication = 1
	}
	admin := cfg
	admin.Keyspace = ""
	s, err := NewScylla(admin)
	if err != nil {
		return err
	}
	defer s.Close()

	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`, cfg.Keyspace, replication)
	if err := s.session.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace: %w", err)
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "quorum":
		fallthrough
	default:
		return gocql.Quorum
	}
}
