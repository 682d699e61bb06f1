package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const (
	keyPrefix   = "/repairgym/sandbox/"
	sessionTTL  = 30 // seconds
	dialTimeout = 5 * time.Second
)

// ErrLocked is returned when another harness holds the sandbox.
var ErrLocked = errors.New("sandbox is locked by another harness")

// Key is the etcd key guarding the sandbox rooted at workDir.
func Key(workDir string) string {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = workDir
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Etcd is an etcd-backed mutex over one sandbox. The lease keeps the lock
// alive while the process runs and releases it if the process dies.
type Etcd struct {
	client  *clientv3.Client
	key     string
	log     *zap.Logger
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func NewEtcd(endpoints []string, workDir string, log *zap.Logger) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return &Etcd{client: client, key: Key(workDir), log: log}, nil
}

// Acquire takes the lock without waiting. It fails with ErrLocked when the
// sandbox is already held.
func (l *Etcd) Acquire(ctx context.Context) error {
	if l.mutex != nil {
		return nil
	}
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(sessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, l.key)
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return ErrLocked
		}
		return fmt.Errorf("lock %s: %w", l.key, err)
	}

	l.session, l.mutex = session, mutex
	l.log.Info("sandbox lock acquired", zap.String("key", l.key))
	return nil
}

func (l *Etcd) Release(ctx context.Context) error {
	if l.mutex == nil {
		return nil
	}
	err := l.mutex.Unlock(ctx)
	l.session.Close()
	l.session, l.mutex = nil, nil
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.key, err)
	}
	l.log.Info("sandbox lock released", zap.String("key", l.key))
	return nil
}

func (l *Etcd) Close() error {
	if err := l.Release(context.Background()); err != nil {
		l.log.Warn("release sandbox lock", zap.Error(err))
	}
	return l.client.Close()
}

// Noop satisfies the locker contract when no coordinator is configured.
type Noop struct{}

func (Noop) Acquire(context.Context) error { return nil }
func (Noop) Release(context.Context) error { return nil }
