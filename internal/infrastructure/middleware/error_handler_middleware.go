package middleware

import (
	"net/http"

	"streamcast/pkg/errors"
	"streamcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. AppErrors keep their code and status; anything else is a 500.
func ErrorHandlerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		appErr := errors.AsAppError(err)
		ctx := c.Request.Context()

		fields := []zap.Field{
			zap.String("code", string(appErr.Code)),
			zap.Int("status", appErr.HTTPStatus),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.LogError(ctx, err, "request failed", fields...)
		} else {
			log.LogWarn(ctx, "request rejected", append(fields, zap.Error(err))...)
		}

		c.JSON(appErr.HTTPStatus, appErr.Response())
	}
}

// RecoveryMiddleware turns a handler panic into a 500 and keeps serving.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				appErr := errors.NewAppError(errors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
			}
		}()

		c.Next()
	}
}
