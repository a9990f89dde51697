package statushttp

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// TokenAuth requires "Authorization: Bearer <token>" or ?token= on every
// request. An empty token disables the check.
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(ctx *gin.Context) {
			ctx.Next()
		}
	}

	return func(ctx *gin.Context) {
		got := strings.TrimPrefix(ctx.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = ctx.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			slog.Debug("status server unauthorized", "ip", ctx.ClientIP(), "path", ctx.FullPath())
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, &ErrorResponse{Error: "unauthorized"})
			return
		}
		ctx.Next()
	}
}

// RateLimit bounds requests per client IP. A non positive limit disables it.
func RateLimit(perSecond int64) gin.HandlerFunc {
	if perSecond <= 0 {
		return func(ctx *gin.Context) {
			ctx.Next()
		}
	}
	rate := limiter.Rate{Period: time.Second, Limit: perSecond}
	return mgin.NewMiddleware(limiter.New(memory.NewStore(), rate))
}

// SecureHeaders sets the browser hardening headers. The server is plain HTTP
// on a local address, so there is no HSTS or TLS redirect.
func SecureHeaders() gin.HandlerFunc {
	return secure.New(secure.Config{
		IsDevelopment:         false,
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		IENoOpen:              true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
	})
}
