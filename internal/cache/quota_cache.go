// Package cache кэширует сводки квот в Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediavault/internal/domain"
)

const (
	quotaKey         = "%squota:%s"
	versionKey       = "%squota_version:%s"
	versionTTL       = 24 * time.Hour
	defaultQuotaTTL  = 30 * time.Second
	defaultKeyPrefix = "mediavault:"
	operationTimeout = 200 * time.Millisecond
)

// QuotaCache - кэш только для чтения. Решения о допуске загрузки
// принимаются по базе, поэтому ошибки Redis лишь логируются.
//
// Каждая инвалидация увеличивает версию пользователя. Сводка записывается
// только с версией, прочитанной до запроса в базу: если между чтением и
// записью счет изменился, запись пропускается.
type QuotaCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewQuotaCache(client *redis.Client, ttl time.Duration, prefix string, logger *zap.Logger) *QuotaCache {
	if ttl <= 0 {
		ttl = defaultQuotaTTL
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &QuotaCache{
		redis:  client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.Named("quota_cache"),
	}
}

func (c *QuotaCache) key(userID uuid.UUID) string {
	return fmt.Sprintf(quotaKey, c.prefix, userID)
}

func (c *QuotaCache) versionKey(userID uuid.UUID) string {
	return fmt.Sprintf(versionKey, c.prefix, userID)
}

var errStaleVersion = errors.New("quota version changed")

// Version возвращает текущую версию сводки; ok == false, если Redis недоступен
func (c *QuotaCache) Version(ctx context.Context, userID uuid.UUID) (int64, bool) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	version, err := c.redis.Get(ctx, c.versionKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("failed to read quota version", zap.Stringer("user_id", userID), zap.Error(err))
		return 0, false
	}
	return version, true
}

func (c *QuotaCache) Get(ctx context.Context, userID uuid.UUID) (*domain.QuotaInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	cached, err := c.redis.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("failed to read quota from cache", zap.Stringer("user_id", userID), zap.Error(err))
		}
		return nil, false
	}

	var info domain.QuotaInfo
	if err := json.Unmarshal(cached, &info); err != nil {
		c.logger.Warn("corrupted quota cache entry", zap.Stringer("user_id", userID), zap.Error(err))
		return nil, false
	}
	return &info, true
}

// Set записывает сводку, если версия не изменилась с момента чтения
func (c *QuotaCache) Set(ctx context.Context, info *domain.QuotaInfo, version int64) {
	data, err := json.Marshal(info)
	if err != nil {
		c.logger.Warn("failed to encode quota", zap.Stringer("user_id", info.UserID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	vkey := c.versionKey(info.UserID)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return errStaleVersion
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(info.UserID), data, c.ttl)
			return nil
		})
		return err
	}, vkey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleVersion), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("quota changed while reading, cache not updated", zap.Stringer("user_id", info.UserID))
	default:
		c.logger.Warn("failed to write quota to cache", zap.Stringer("user_id", info.UserID), zap.Error(err))
	}
}

func (c *QuotaCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	// удаление должно пройти и после отмены запроса
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), operationTimeout)
	defer cancel()

	vkey := c.versionKey(userID)
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vkey)
		pipe.Expire(ctx, vkey, versionTTL)
		pipe.Del(ctx, c.key(userID))
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to invalidate quota cache", zap.Stringer("user_id", userID), zap.Error(err))
	}
}
