package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (id int);\n\n  CREATE TABLE b (id int) ;\n;")
	assert.Equal(t, []string{"CREATE TABLE a (id int)", "CREATE TABLE b (id int)"}, got)
}

func TestCQLStatementsIncludeEventTable(t *testing.T) {
	stmts, err := CQLStatements()
	require.NoError(t, err)
	require.NotEmpty(t, stmts)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS message_events"))
}

func TestPostgresMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(FS, "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(FS, "*.down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
