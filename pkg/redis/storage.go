package redis

import (
	"context"
	"io"
	"net"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/rediscounter/pkg/store"
)

// RemoteStorage is a store.Client backed by a single go-redis client.
// The client pools its connections internally, every request goes through it.
type RemoteStorage struct {
	client *redis.Client
	logger *logrus.Logger
	hook   *errorHook
}

// NewRemoteStorage builds the redis client from a redis:// connection string.
// No connection is opened until Connect is called.
func NewRemoteStorage(url string, logger *logrus.Logger) (*RemoteStorage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}

	return NewRemoteStorageFromClient(redis.NewClient(opts), logger), nil
}

func NewRemoteStorageFromClient(client *redis.Client, logger *logrus.Logger) *RemoteStorage {
	hook := &errorHook{}
	client.AddHook(hook)

	return &RemoteStorage{
		client: client,
		logger: logger,
		hook:   hook,
	}
}

// OnError registers the handler receiving connection level errors.
func (s *RemoteStorage) OnError(h store.ErrorHandler) {
	s.hook.handler = h
}

// Connect runs the handshake PING. Its failure is returned to the caller and
// is not reported to the error handler.
func (s *RemoteStorage) Connect(ctx context.Context) error {
	ctx = context.WithValue(ctx, connectingKey{}, true)
	_, err := s.client.WithContext(ctx).Ping().Result()
	if err != nil {
		return errors.Wrap(err, "redis storage connect failure")
	}

	return nil
}

func (s *RemoteStorage) Ping(ctx context.Context) error {
	_, err := s.client.WithContext(ctx).Ping().Result()
	if err != nil {
		return errors.Wrap(err, "redis storage ping failure")
	}

	return nil
}

func (s *RemoteStorage) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.WithContext(ctx).Incr(key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis storage incr failure")
	}

	return n, nil
}

func (s *RemoteStorage) Close() error {
	return s.client.Close()
}

// errorHook forwards network failures observed on any command to the
// registered handler. Redis replies such as WRONGTYPE are not connection
// errors and are left to the caller.
type connectingKey struct{}

type errorHook struct {
	handler store.ErrorHandler
}

func (h *errorHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *errorHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	h.report(ctx, cmd.Err())
	return nil
}

func (h *errorHook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *errorHook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	for _, cmd := range cmds {
		h.report(ctx, cmd.Err())
	}
	return nil
}

func (h *errorHook) report(ctx context.Context, err error) {
	if err == nil || h.handler == nil || !isConnectionError(err) {
		return
	}
	if connecting, _ := ctx.Value(connectingKey{}).(bool); connecting {
		return
	}
	h.handler(err)
}

func isConnectionError(err error) bool {
	switch err {
	case redis.Nil, context.Canceled, context.DeadlineExceeded:
		return false
	case io.EOF, io.ErrUnexpectedEOF:
		return true
	}

	_, ok := err.(net.Error)
	return ok
}
