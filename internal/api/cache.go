package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"districtr-sync/internal/logger"
	"districtr-sync/internal/metrics"
	"districtr-sync/internal/model"
)

const DocCacheTTL = 10 * time.Minute

// 文档注释：文档元数据的 Redis 缓存
// 背景：客户端打开文档与冲突检测都会读取文档元数据（含版本令牌），热点文档走缓存减轻数据库压力；
// 每次推送或创建都会删除对应键，缓存中不会长期保留过期版本。
// 约束：rc 为 nil 时整体降级为直读；Redis 错误只记日志，不影响主流程。
type docCache struct {
	rc  redis.Cmdable
	ttl time.Duration
}

func docKey(id string) string { return "doc:" + id }

func (c docCache) get(ctx context.Context, id string) (model.Document, bool) {
	if c.rc == nil {
		return model.Document{}, false
	}
	s, err := c.rc.Get(ctx, docKey(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.L().Warn("doc_cache_get_fail", "document", id, "err", err)
		}
		metrics.RedisMissesTotal.Inc()
		return model.Document{}, false
	}
	var d model.Document
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		metrics.RedisMissesTotal.Inc()
		return model.Document{}, false
	}
	metrics.RedisHitsTotal.Inc()
	return d, true
}

func (c docCache) set(ctx context.Context, d model.Document) {
	if c.rc == nil {
		return
	}
	b, _ := json.Marshal(d)
	if err := c.rc.Set(ctx, docKey(d.ID), string(b), c.ttl).Err(); err != nil {
		logger.L().Warn("doc_cache_set_fail", "document", d.ID, "err", err)
	}
}

func (c docCache) invalidate(ctx context.Context, id string) {
	if c.rc == nil {
		return
	}
	if err := c.rc.Del(ctx, docKey(id)).Err(); err != nil {
		logger.L().Warn("doc_cache_del_fail", "document", id, "err", err)
	}
}
