// Package api exposes the HTTP query surface: a liveness line, an
// operational status page, and the one backlink lookup endpoint.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/char/at-backshots/internal/query"
)

// ZapLogger is a gin middleware that logs each request through zap.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// NewRouter builds the gin engine for the query surface.
func NewRouter(log *zap.Logger, svc *query.Service) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ZapLogger(log))

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "backshots running...")
	})

	r.GET("/status", func(c *gin.Context) {
		st, err := svc.GetStatus(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.String(http.StatusInternalServerError, "Internal Server Error")
			return
		}
		c.String(http.StatusOK,
			"status:\ncollections: %d\nbacklinks: %d\noutline rkeys: %d\nnon-zplc dids: %d",
			st.Collections, st.Backlinks, st.OutlineRkeys, st.NonZplcDids)
	})

	r.GET("/links", func(c *gin.Context) {
		uri := c.Query("uri")
		if uri == "" {
			c.String(http.StatusBadRequest, "'uri' param missing")
			return
		}

		links, err := svc.GetBacklinks(c.Request.Context(), uri)
		if err != nil {
			_ = c.Error(err)
			if errors.Is(err, query.ErrBadURI) {
				c.String(http.StatusBadRequest, "'uri' param was not a valid at-uri")
				return
			}
			c.String(http.StatusInternalServerError, "Internal Server Error")
			return
		}

		c.JSON(http.StatusOK, links)
	})

	return r
}

// NewServer wraps the router in an http.Server with sane limits.
func NewServer(addr string, r *gin.Engine, log *zap.Logger) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: r,

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,

		MaxHeaderBytes: 1 << 15, // 32 KB

		ErrorLog: zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}
}
