// Package idempotency replays stored responses for retried write requests
// carrying an Idempotency-Key header. Responses live in Redis for a TTL.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/errandly/internal/auth"
	"github.com/mbd888/errandly/internal/metrics"
)

const (
	// HeaderKey is the request header clients set on retried writes.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from the store.
	HeaderReplayed = "Idempotent-Replayed"

	keyPrefix        = "idempotency:v1:"
	inProgressMarker = "__in_progress__"
	maxKeyLength     = 255
	redisTimeout     = 2 * time.Second
)

type storedResponse struct {
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"contentType"`
}

// bodyRecorder tees the handler's response so it can be stored.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware enforces Idempotency-Key semantics on unsafe methods. Requests
// without the header pass through; the ledger's own references still keep
// money movements exactly-once. Keys are scoped per caller. 5xx responses
// are not stored so the client can retry.
func Middleware(cache *redis.Client, ttl time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		key := strings.TrimSpace(c.GetHeader(HeaderKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Idempotency-Key too long",
			})
			return
		}

		cacheKey := keyPrefix + auth.UserID(c) + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key

		ctx, cancel := context.WithTimeout(c.Request.Context(), redisTimeout)
		defer cancel()

		cached, err := cache.Get(ctx, cacheKey).Result()
		if err == nil {
			replay(c, key, cached, logger)
			return
		}
		if !errors.Is(err, redis.Nil) {
			logger.Error("idempotency lookup failed", "key", key, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "idempotency store failure",
			})
			return
		}

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			logger.Error("idempotency reservation failed", "key", key, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "idempotency reservation failure",
			})
			return
		}
		if !reserved {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "request_in_progress",
				"message": "duplicate request currently processing",
			})
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		persistCtx, persistCancel := context.WithTimeout(context.Background(), redisTimeout)
		defer persistCancel()

		status := rec.Status()
		if status >= http.StatusInternalServerError {
			cache.Del(persistCtx, cacheKey)
			return
		}

		payload, err := json.Marshal(storedResponse{
			Status:      status,
			Body:        rec.buf.String(),
			ContentType: rec.Header().Get("Content-Type"),
		})
		if err == nil {
			err = cache.Set(persistCtx, cacheKey, payload, ttl).Err()
		}
		if err != nil {
			logger.Error("failed to persist idempotent response", "key", key, "error", err)
			cache.Del(persistCtx, cacheKey)
		}
	}
}

func replay(c *gin.Context, key, cached string, logger *slog.Logger) {
	if cached == inProgressMarker {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":   "request_in_progress",
			"message": "duplicate request currently processing",
		})
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		logger.Warn("failed to decode stored idempotent response", "key", key, "error", err)
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":   "duplicate_request",
			"message": "duplicate request",
		})
		return
	}

	metrics.IdempotentReplaysTotal.Inc()
	c.Header(HeaderReplayed, "true")
	contentType := stored.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(stored.Status, contentType, []byte(stored.Body))
	c.Abort()
}
