package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// ReplayedHeaderName marks a response served from the idempotency cache.
const ReplayedHeaderName = "Idempotent-Replayed"

// maxIdempotentBody caps the body buffered for hashing.
const maxIdempotentBody = 64 << 10

type inflight struct {
	bodyHash string
}

type storedResponse struct {
	bodyHash    string
	status      int
	contentType string
	body        []byte
}

// bodyWriter tees the response body so it can be stored.
type bodyWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the principal, so it must run after RequirePrincipal.
// Reusing a key with a different body, or while the first request is still
// running, is a 409.
func Idempotency(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(common.IdempotencyKeyHeaderName)
		p, ok := principalFrom(c)
		if key == "" || !ok {
			c.Next()
			return
		}
		key = p.ID + ":" + key

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxIdempotentBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorBody{Error: errorDetail{
					Code:    common.KindValidation,
					Message: "request body too large",
				}})
				return
			}
			writeError(c, common.NewValidationError("body", "could not be read"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])

		if v, found := store.Get(key); found {
			replay(c, v, hash)
			return
		}
		if err := store.Add(key, inflight{bodyHash: hash}, ttl); err != nil {
			if v, found := store.Get(key); found {
				replay(c, v, hash)
				return
			}
		}

		w := &bodyWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		if w.Status() >= 200 && w.Status() < 300 {
			store.Set(key, storedResponse{
				bodyHash:    hash,
				status:      w.Status(),
				contentType: w.Header().Get("Content-Type"),
				body:        w.buf.Bytes(),
			}, ttl)
			return
		}
		store.Delete(key)
	}
}

func replay(c *gin.Context, v any, hash string) {
	switch r := v.(type) {
	case storedResponse:
		if r.bodyHash != hash {
			conflict(c, "idempotency key was used with a different request")
			return
		}
		c.Header(ReplayedHeaderName, "true")
		c.Data(r.status, r.contentType, r.body)
		c.Abort()
	default:
		conflict(c, "a request with this idempotency key is in progress")
	}
}

func conflict(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusConflict, errorBody{Error: errorDetail{
		Code:    common.KindInvalidState,
		Message: msg,
	}})
}
