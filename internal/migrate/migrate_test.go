package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingIsOrderedAndComplete(t *testing.T) {
	names, err := Pending()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
	assert.IsIncreasing(t, names)

	b, err := files.ReadFile(names[0])
	require.NoError(t, err)
	for _, table := range []string{"orders", "users", "ratings", "admins"} {
		assert.True(t, strings.Contains(string(b), "CREATE TABLE IF NOT EXISTS "+table), table)
	}
}
