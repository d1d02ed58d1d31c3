package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/acme/whatsapp-dispatch/internal/config"
)

func TestDatabaseURLUsesPgxScheme(t *testing.T) {
	url := DatabaseURL(config.PostgresConfig{
		Host: "db", Port: 5432, User: "app", Password: "pw", Database: "dispatch", SSLMode: "disable",
	})
	assert.Equal(t, "pgx5://app:pw@db:5432/dispatch?sslmode=disable", url)
}

func TestMigrateCommandTree(t *testing.T) {
	cmd := MigrateCommand("configs/config.yaml")

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down", "force", "version", "scylla"}, names)

	flag := cmd.PersistentFlags().Lookup("config")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "configs/config.yaml", flag.DefValue)
	}
}
