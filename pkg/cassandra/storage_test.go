package cassandra

import (
	"context"
	"io/ioutil"
	"net"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRemoteStorage(t *testing.T) {
	s := NewRemoteStorage(newNullLogger(), "counter", "10.0.0.1", "10.0.0.2")

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, s.cluster.Hosts)
	assert.Equal(t, "counter", s.cluster.Keyspace)
	assert.Equal(t, gocql.LocalQuorum, s.cluster.Consistency)
}

func TestRemoteStorage_OperationsWithoutSession(t *testing.T) {
	s := NewRemoteStorage(newNullLogger(), "counter", "127.0.0.1")

	_, err := s.Incr(context.Background(), "global:hits")
	assert.Equal(t, errNoSession, err)
	assert.Equal(t, errNoSession, s.Ping(context.Background()))
	assert.NoError(t, s.Close())
}

func TestRemoteStorage_Connect_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cluster := gocql.NewCluster("127.0.0.1")
	cluster.Port = port
	cluster.ConnectTimeout = 200 * time.Millisecond
	cluster.Timeout = 200 * time.Millisecond
	cluster.DisableInitialHostLookup = true
	s := NewRemoteStorageFromCluster(newNullLogger(), cluster)

	err = s.Connect(context.Background())

	assert.Error(t, err)
	assert.Nil(t, s.session)
}

func newNullLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	return logger
}
