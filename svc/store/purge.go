package store

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"bindrop/metrics"
	"bindrop/svc/util"

	"github.com/pkg/errors"
)

const purgeBatchSize = 10

// PurgeQueue batches freed storage keys for upstream CDN cache
// invalidation. Keys are dropped after a purge attempt whether or not it
// succeeded: a failed purge means stale cached content, which we accept
// over an unbounded retry queue.
type PurgeQueue struct {
	mu   sync.Mutex
	keys map[string]struct{}

	client    *http.Client
	enabled   bool
	purgeURL  string
	token     string
	bucketURL string
}

func NewPurgeQueue(enabled bool, purgeURL, token, bucketURL string) *PurgeQueue {
	return &PurgeQueue{
		keys:      make(map[string]struct{}),
		client:    &http.Client{Timeout: 15 * time.Second},
		enabled:   enabled,
		purgeURL:  purgeURL,
		token:     token,
		bucketURL: bucketURL,
	}
}

func (q *PurgeQueue) Enqueue(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys[key] = struct{}{}
}

func (q *PurgeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Purge fires one batched invalidation once ten keys have accumulated, or
// immediately when forced. The queue is cleared regardless of the call's
// outcome.
func (q *PurgeQueue) Purge(ctx context.Context, force bool) {
	q.mu.Lock()
	if len(q.keys) < purgeBatchSize && !force {
		q.mu.Unlock()
		return
	}
	if len(q.keys) == 0 {
		q.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(q.keys))
	for k := range q.keys {
		keys = append(keys, k)
	}
	q.keys = make(map[string]struct{})
	q.mu.Unlock()

	util.Info().Str("keys", strings.Join(keys, ", ")).Msg("about to purge objects")
	if !q.enabled {
		return
	}

	urls := make([]string, 0, len(keys))
	for _, k := range keys {
		urls = append(urls, q.bucketURL+k)
	}
	if err := q.call(ctx, urls); err != nil {
		util.Error().Err(err).Int("keys", len(keys)).Msg("cache purge failed, dropping keys")
		return
	}
	metrics.PurgeCalls.Inc()
}

func (q *PurgeQueue) call(ctx context.Context, urls []string) error {
	body, err := json.Marshal(map[string][]string{"files": urls})
	if err != nil {
		return errors.Wrap(err, "marshal purge body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.purgeURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build purge request")
	}
	req.Header.Set("Authorization", "Bearer "+q.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "purge call")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("purge endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Run sweeps the queue on an interval and once more, forced, at shutdown.
func (q *PurgeQueue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().Dur("interval", interval).Msg("purge sweeper started")
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			q.Purge(flushCtx, true)
			cancel()
			util.Info().Msg("purge sweeper stopped")
			return
		case <-ticker.C:
			q.Purge(ctx, true)
		}
	}
}
