package cassandra

import (
	"context"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var errNoSession = errors.New("cassandra session not created")

// RemoteStorage is a store.Client keeping the counter in a cassandra counter
// table:
//
//	CREATE TABLE counters (key text PRIMARY KEY, value counter);
//
// Cassandra counter updates do not return the new value, so Incr reads it back
// after the update. Concurrent increments may observe the same value.
type RemoteStorage struct {
	cluster *gocql.ClusterConfig
	logger  *logrus.Logger

	mux     sync.RWMutex
	session *gocql.Session
}

func NewRemoteStorage(logger *logrus.Logger, keyspace string, hosts ...string) *RemoteStorage {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.ConnectTimeout = 5 * time.Second

	return NewRemoteStorageFromCluster(logger, cluster)
}

func NewRemoteStorageFromCluster(logger *logrus.Logger, cluster *gocql.ClusterConfig) *RemoteStorage {
	return &RemoteStorage{
		cluster: cluster,
		logger:  logger,
	}
}

func (s *RemoteStorage) Connect(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.session != nil {
		return nil
	}

	session, err := s.cluster.CreateSession()
	if err != nil {
		return errors.Wrap(err, "could not create cassandra session")
	}
	s.session = session
	s.logger.Debugf("cassandra session created for keyspace %s", s.cluster.Keyspace)

	return nil
}

func (s *RemoteStorage) Ping(ctx context.Context) error {
	session, err := s.currentSession()
	if err != nil {
		return err
	}

	var version string
	err = session.
		Query(`SELECT release_version FROM system.local`).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&version)
	if err != nil {
		return errors.Wrap(err, "cassandra storage ping failure")
	}

	return nil
}

func (s *RemoteStorage) Incr(ctx context.Context, key string) (int64, error) {
	session, err := s.currentSession()
	if err != nil {
		return 0, err
	}

	err = session.
		Query(`UPDATE counters SET value = value + 1 WHERE key = ?`, key).
		WithContext(ctx).
		Exec()
	if err != nil {
		return 0, errors.Wrap(err, "cassandra storage incr failure")
	}

	var value int64
	err = session.
		Query(`SELECT value FROM counters WHERE key = ? LIMIT 1`, key).
		WithContext(ctx).
		Scan(&value)
	if err != nil {
		return 0, errors.Wrap(err, "cassandra storage get failure")
	}

	return value, nil
}

func (s *RemoteStorage) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.session != nil {
		s.session.Close()
		s.session = nil
	}

	return nil
}

func (s *RemoteStorage) currentSession() (*gocql.Session, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if s.session == nil {
		return nil, errNoSession
	}

	return s.session, nil
}
