package api

import (
	"context"
	"path"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/capitalonline/cds-volume-plugin/pkg/common"

	log "github.com/sirupsen/logrus"
)

const cleanupTimeout = 3 * time.Second

// EtcdTransport exchanges requests with the orchestration service through
// etcd. A request is written under <prefix>/requests/<id> and the service
// answers under <prefix>/responses/<id>.
type EtcdTransport struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string
}

// NewEtcdTransport builds a transport on top of an etcd client. A
// *clientv3.Client satisfies both kv and watcher.
func NewEtcdTransport(kv clientv3.KV, watcher clientv3.Watcher, prefix string) *EtcdTransport {
	return &EtcdTransport{
		kv:      kv,
		watcher: watcher,
		prefix:  prefix,
	}
}

// DialEtcd connects to the etcd cluster behind endpoints.
func DialEtcd(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, common.Transportf(err, "connect to etcd %v failed", endpoints)
	}
	return cli, nil
}

func (t *EtcdTransport) RequestKey(id string) string {
	return path.Join(t.prefix, "requests", id)
}

func (t *EtcdTransport) ResponseKey(id string) string {
	return path.Join(t.prefix, "responses", id)
}

// RoundTrip writes request and waits for the first response written for it.
func (t *EtcdTransport) RoundTrip(ctx context.Context, request string) (string, error) {
	id := uuid.New().String()
	reqKey, respKey := t.RequestKey(id), t.ResponseKey(id)

	put, err := t.kv.Put(ctx, reqKey, request)
	if err != nil {
		return "", common.Transportf(err, "put request %s failed", reqKey)
	}
	defer t.cleanup(reqKey, respKey)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wch := t.watcher.Watch(watchCtx, respKey, clientv3.WithRev(put.Header.Revision))

	for {
		select {
		case <-ctx.Done():
			return "", common.Transportf(ctx.Err(), "no response for request %s", id)
		case wr, ok := <-wch:
			if !ok {
				return "", common.Transportf(ctx.Err(), "watch on %s closed", respKey)
			}
			if err := wr.Err(); err != nil {
				return "", common.Transportf(err, "watch on %s failed", respKey)
			}
			for _, ev := range wr.Events {
				if ev.Type == clientv3.EventTypePut {
					return string(ev.Kv.Value), nil
				}
			}
		}
	}
}

func (t *EtcdTransport) cleanup(keys ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, key := range keys {
		if _, err := t.kv.Delete(ctx, key); err != nil {
			log.Warnf("cleanup: delete key %s failed, err is: %s", key, err)
		}
	}
}
