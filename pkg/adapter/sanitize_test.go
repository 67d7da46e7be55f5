package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/faults"
)

func TestSanitizeSQLAllowsSelect(t *testing.T) {
	cases := []string{
		"SELECT * FROM orders",
		"select id, total from orders where status = 'paid'",
		"WITH recent AS (SELECT * FROM orders) SELECT count(*) FROM recent",
		"SELECT * FROM information_schema.tables",
		"SELECT * FROM orders;",
		"SELECT note FROM orders WHERE note = 'ship; handle with care'",
	}
	for _, sql := range cases {
		_, err := SanitizeSQL(sql)
		assert.NoError(t, err, "should allow: %s", sql)
	}
}

func TestSanitizeSQLRejectsMutations(t *testing.T) {
	cases := []string{
		"DELETE FROM orders",
		"DROP TABLE orders",
		"INSERT INTO orders VALUES (1)",
		"UPDATE orders SET total = 0",
		"TRUNCATE orders",
		"CREATE TABLE x (id int)",
		"GRANT ALL ON orders TO public",
	}
	for _, sql := range cases {
		_, err := SanitizeSQL(sql)
		require.Error(t, err, "should reject: %s", sql)
		assert.True(t, faults.IsKind(err, faults.QueryInvalid))
	}
}

func TestSanitizeSQLRejectsMultiStatement(t *testing.T) {
	_, err := SanitizeSQL("SELECT 1; SELECT 2")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

func TestSanitizeSQLRejectsSmuggledDML(t *testing.T) {
	// Data-modifying CTEs must not pass just because the statement
	// starts with WITH.
	_, err := SanitizeSQL("WITH x AS (DELETE FROM orders RETURNING *) SELECT * FROM x")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

func TestSanitizeSQLRejectsDangerousIdentifiers(t *testing.T) {
	cases := []string{
		"SELECT pg_read_file('/etc/passwd')",
		"SELECT pg_terminate_backend(123)",
		"SELECT * FROM dblink('conn', 'select 1')",
	}
	for _, sql := range cases {
		_, err := SanitizeSQL(sql)
		require.Error(t, err, "should reject: %s", sql)
	}
}

func TestSanitizeSQLAttachesQuery(t *testing.T) {
	_, err := SanitizeSQL("DROP TABLE users")
	var f *faults.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "DROP TABLE users", f.Query)
}

func TestSanitizeSQLEmpty(t *testing.T) {
	_, err := SanitizeSQL("   ;  ")
	require.Error(t, err)
}

func TestSanitizeSQLTrimsTrailingSemicolon(t *testing.T) {
	out, err := SanitizeSQL("SELECT 1;")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", out)
}

func TestStripQuotedLiterals(t *testing.T) {
	assert.Equal(t, "SELECT  FROM t", stripQuotedLiterals("SELECT 'a;b' FROM t"))
	assert.Equal(t, "SELECT  FROM t", stripQuotedLiterals(`SELECT "col""name" FROM t`))
	assert.Equal(t, "SELECT  FROM t", stripQuotedLiterals("SELECT 'it''s' FROM t"))
}
