package httpapi

import (
	"strings"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/logging"
	"github.com/dmitrijs2005/paykeeper/internal/server/auth"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const principalKey = "principal"

// extractBearer extracts the token from the Authorization header.
func extractBearer(h string) string {
	parts := strings.Fields(h)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// RequirePrincipal resolves the caller from a bearer JWT.
func RequirePrincipal(jwtSecret []byte, log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader(common.AuthorizationHeaderName))
		if token == "" {
			writeError(c, common.ErrorUnauthorized)
			return
		}

		p, err := auth.GetPrincipalFromToken(token, jwtSecret)
		if err != nil {
			log.Warn(c.Request.Context(), "bearer token rejected", "path", c.FullPath())
			writeError(c, err)
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

func principalFrom(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return models.Principal{}, false
	}
	p, ok := v.(models.Principal)
	return p, ok
}

// RequestOrigin stores the caller's address and user agent on the request
// context so the transition trail can record them.
func RequestOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		info := models.NewRequestInfo(c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(models.ContextWithRequestInfo(c.Request.Context(), info))
		c.Next()
	}
}

// Observability starts a span per request and logs its outcome.
func Observability(tracer trace.Tracer, log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "not_found"
		}
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.path", path),
			attribute.Int("http.status_code", c.Writer.Status()),
		)

		log.Info(ctx, "http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
