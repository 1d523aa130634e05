package svc

import (
	"context"
	"time"

	"bindrop/cfg"
	"bindrop/metrics"
	"bindrop/pkg/domain"
	"bindrop/svc/cache"
	"bindrop/svc/db"
	"bindrop/svc/store"
	"bindrop/svc/util"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MetadataStore is the durable row store. Create and Delete run their
// blob callback inside the row transaction so the row and the blob
// commit or fail together.
type MetadataStore interface {
	CreatePaste(ctx context.Context, p *domain.Paste, upload func(ctx context.Context) error) error
	DeletePaste(ctx context.Context, id string, remove func(ctx context.Context, key string, alt bool) error) (string, error)
	Get(ctx context.Context, id string) (*domain.Paste, error)
	Search(ctx context.Context, tags []string, page int) ([]domain.Summary, error)
	SaveViews(ctx context.Context, id string, views int64, lastSeen time.Time) error
	UpdateMeta(ctx context.Context, id, title string, tags []string) error
}

type ObjectStore interface {
	Upload(ctx context.Context, in store.UploadInput) error
	Delete(ctx context.Context, key string, fake bool) error
}

type AltUploader interface {
	Upload(ctx context.Context, token string, content []byte, contentType, filename, title string, tags []string) (id, downloadURL string, err error)
}

type Purger interface {
	Enqueue(key string)
	Purge(ctx context.Context, force bool)
}

// Engine drives the paste lifecycle across the metadata store, the
// object store and the caches.
type Engine struct {
	store MetadataStore
	obj   ObjectStore
	alt   AltUploader
	purge Purger
	lru   *cache.LRU
	rdb   *db.Redis
	views *ViewCounter
	cfg   *cfg.Cfg
}

func NewEngine(meta MetadataStore, obj ObjectStore, alt AltUploader, purge Purger, lru *cache.LRU, rdb *db.Redis, c *cfg.Cfg) *Engine {
	if meta == nil || obj == nil || purge == nil || lru == nil || c == nil {
		panic("engine: nil dependency (store, obj, purge, lru, or cfg)")
	}
	return &Engine{
		store: meta,
		obj:   obj,
		alt:   alt,
		purge: purge,
		lru:   lru,
		rdb:   rdb,
		views: NewViewCounter(),
		cfg:   c,
	}
}

func (e *Engine) production() bool {
	return e.cfg.Environment == "production"
}

// Create validates and persists a submission. The alternate-backend
// upload runs before the metadata transaction; the primary upload runs
// inside it through the store callback, faked when the body lives in
// the alternate backend.
func (e *Engine) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if len(params.Content) == 0 {
		return nil, domain.ErrContentRequired
	}
	title := domain.NormalizeTitle(params.Title)
	tags := domain.NormalizeTags(params.Tags)
	if e.production() && params.BotScore < e.cfg.BotThreshold {
		metrics.BotRejections.Inc()
		return nil, domain.ErrBotRejected
	}

	id, err := util.GenID()
	if err != nil {
		return nil, errors.Wrap(domain.ErrInternalServer, err.Error())
	}
	alt := params.Destination == domain.DestDrive
	body, encoding, err := store.Compress(params.Content, alt)
	if err != nil {
		return nil, errors.Wrap(domain.ErrInternalServer, err.Error())
	}
	if !alt && int64(len(body)) > e.cfg.MaxObjectSize {
		return nil, domain.ErrPasteTooLarge
	}

	filename := id + "." + params.Format.Ext()
	key := e.cfg.S3Prefix + filename
	if encoding == store.EncodingBrotli {
		key += ".br"
	}

	now := time.Now().UTC()
	p := &domain.Paste{
		ID:         id,
		UserID:     params.UserID,
		SessionID:  params.SessionID,
		Title:      title,
		Tags:       tags,
		Format:     params.Format,
		Date:       now,
		StorageKey: key,
		ByteLen:    int64(len(body)),
		BotScore:   decimal.NewFromFloat(params.BotScore),
		LastSeen:   now,
	}

	if alt {
		if e.alt == nil {
			return nil, errors.Wrap(domain.ErrInvalidRequest, "alternate backend not configured")
		}
		altID, altURL, err := e.alt.Upload(ctx, params.DriveToken, params.Content, params.Format.ContentType(), filename, title, tags)
		if err != nil {
			util.Error().Err(err).Str("id", id).Msg("alternate backend upload failed")
			return nil, errors.Wrap(domain.ErrStorage, err.Error())
		}
		p.AltID = altID
		p.AltURL = altURL
	}

	err = e.store.CreatePaste(ctx, p, func(ctx context.Context) error {
		return e.obj.Upload(ctx, store.UploadInput{
			Key:             key,
			Body:            body,
			ContentType:     params.Format.ContentType(),
			ContentEncoding: encoding,
			Title:           title,
			Tags:            tags,
			Filename:        filename,
			Fake:            alt,
		})
	})
	if err != nil {
		return nil, err
	}

	e.lru.Set(p, e.cfg.CacheTTL)
	metrics.PasteCreated.Inc()
	util.Info().Str("id", id).Bool("alt", alt).Int64("bytes", p.ByteLen).Msg("paste created")
	return p, nil
}

// Get fetches a paste by id, trying the LRU and Redis tiers before the
// store, and returns the live view count alongside the row. Longer ids
// are truncated to the canonical eight characters.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Paste, int64, error) {
	p, err := e.Peek(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	views := e.views.Record(p.ID, p.Views)
	metrics.PasteRetrieved.Inc()
	return p, views, nil
}

// Peek is Get without the view bump, for ownership checks.
func (e *Engine) Peek(ctx context.Context, id string) (*domain.Paste, error) {
	if len(id) > util.IDLength {
		id = id[:util.IDLength]
	}
	p := e.lru.Get(ctx, id)
	if p == nil && e.rdb != nil {
		cached, err := e.rdb.GetPaste(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis get failed")
		} else if cached != nil {
			p = cached
			e.lru.Set(p, e.cfg.CacheTTL)
		}
	}
	if p != nil {
		metrics.CacheHits.Inc()
		return p, nil
	}
	metrics.CacheMisses.Inc()
	p, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	e.lru.Set(p, e.cfg.CacheTTL)
	if e.rdb != nil {
		if err := e.rdb.CachePaste(ctx, p, e.cfg.CacheTTL); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis backfill failed")
		}
	}
	return p, nil
}

// Delete removes the row and the blob in one transaction, then queues
// the freed key for CDN purging. The purge sweep itself runs off the
// request path.
func (e *Engine) Delete(ctx context.Context, id string) error {
	key, err := e.store.DeletePaste(ctx, id, func(ctx context.Context, key string, alt bool) error {
		return e.obj.Delete(ctx, key, alt)
	})
	if err != nil {
		return err
	}
	e.lru.Delete(id)
	if e.rdb != nil {
		if err := e.rdb.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis invalidate failed")
		}
	}
	e.purge.Enqueue(key)
	go e.purge.Purge(context.Background(), false)
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", id).Str("key", key).Msg("paste deleted")
	return nil
}

// Search returns one page of summaries matching every query tag, the
// next page number and the normalized tags the query actually ran with.
func (e *Engine) Search(ctx context.Context, rawTags string, page int) ([]domain.Summary, int, []string, error) {
	tags := domain.NormalizeTags(rawTags)
	if len(tags) == 0 {
		return nil, 0, nil, domain.ErrEmptyTagQuery
	}
	if page < 1 {
		page = 1
	}
	sums, err := e.store.Search(ctx, tags, page)
	if err != nil {
		return nil, 0, nil, err
	}
	metrics.SearchQueries.Inc()
	return sums, page + 1, tags, nil
}

// UpdateMeta patches title and tags, then drops the cached row so the
// next fetch sees the edit.
func (e *Engine) UpdateMeta(ctx context.Context, id, title, tags string) error {
	if len(id) > util.IDLength {
		id = id[:util.IDLength]
	}
	normTitle := domain.NormalizeTitle(title)
	normTags := domain.NormalizeTags(tags)
	if err := e.store.UpdateMeta(ctx, id, normTitle, normTags); err != nil {
		return err
	}
	e.lru.Delete(id)
	if e.rdb != nil {
		if err := e.rdb.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis invalidate failed")
		}
	}
	return nil
}

// FlushViews writes every pending live count to the store and resets
// the counter. Each id is re-fetched first so counts for pastes deleted
// since the last flush are silently dropped. The cached row is rewritten
// with the flushed count so the next window's Get never re-seeds the
// counter from a pre-flush value.
func (e *Engine) FlushViews(ctx context.Context) {
	snapshot := e.views.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	flushed := 0
	for id, n := range snapshot {
		p, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Cause(err) != domain.ErrPasteNotFound {
				util.Warn().Err(err).Str("id", id).Msg("view flush fetch failed")
			}
			continue
		}
		now := time.Now().UTC()
		if err := e.store.SaveViews(ctx, id, n, now); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("view flush write failed")
			continue
		}
		if n > p.Views {
			p.Views = n
		}
		p.LastSeen = now
		e.lru.Set(p, e.cfg.CacheTTL)
		if e.rdb != nil {
			if err := e.rdb.CachePaste(ctx, p, e.cfg.CacheTTL); err != nil {
				util.Warn().Err(err).Str("id", id).Msg("redis refresh failed")
			}
		}
		flushed++
	}
	e.views.Reset()
	metrics.ViewFlushes.Inc()
	metrics.ViewsFlushed.Add(float64(flushed))
	util.Debug().Int("flushed", flushed).Int("pending", len(snapshot)).Msg("view counts flushed")
}

// RunViewFlusher flushes on an interval and once more at shutdown.
func (e *Engine) RunViewFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().Dur("interval", interval).Msg("view flusher started")
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			e.FlushViews(flushCtx)
			cancel()
			util.Info().Msg("view flusher stopped")
			return
		case <-ticker.C:
			e.FlushViews(ctx)
		}
	}
}
