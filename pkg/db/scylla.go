package db

import (
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

type Session struct {
	*gocql.Session
}

type Options struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

func NewSession(opts Options, log *zap.Logger) (*Session, error) {
	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Keyspace = opts.Keyspace
	cluster.Consistency = gocql.Quorum
	// lightweight transactions guard unique channel names and direct channels
	cluster.SerialConsistency = gocql.LocalSerial
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cluster.Timeout = timeout
	cluster.ConnectTimeout = timeout

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	log.Info("Connected to ScyllaDB cluster",
		zap.Strings("hosts", opts.Hosts),
		zap.String("keyspace", opts.Keyspace))
	return &Session{Session: session}, nil
}
