// Package dbtest opens a migrated ScyllaDB session for integration tests.
package dbtest

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/db"
)

const keyspace = "chat_test"

// Session skips the test unless SCYLLA_HOSTS is set.
func Session(t *testing.T) *db.Session {
	t.Helper()
	hosts := os.Getenv("SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("SCYLLA_HOSTS not set")
	}
	opts := db.Options{Hosts: strings.Split(hosts, ","), Keyspace: "system", Timeout: 10 * time.Second}

	sys, err := db.NewSession(opts, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.CreateKeyspace(sys, keyspace, 1))
	sys.Close()

	opts.Keyspace = keyspace
	s, err := db.NewSession(opts, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(s, zap.NewNop()))
	t.Cleanup(s.Close)
	return s
}
