package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sanosuguru/go-event-calendar/internal/pkg/metrics"
)

const (
	// HeaderUserID は認証済みユーザーIDを渡すヘッダー
	HeaderUserID = "X-User-ID"
	// HeaderUserEmail は確認メールの宛先を渡すヘッダー
	HeaderUserEmail = "X-User-Email"
)

// SetupMiddleware は共通ミドルウェアを設定する
// m が nil の場合はHTTPメトリクスを収集しない
func SetupMiddleware(e *echo.Echo, m *metrics.Metrics) {
	e.Use(RequestIDMiddleware())

	// 構造化リクエストログ（zap）
	e.Use(RequestLogger())

	e.Use(middleware.Recover())

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{echo.GET, echo.HEAD, echo.POST, echo.PATCH, echo.DELETE},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, HeaderUserID, HeaderUserEmail},
		ExposeHeaders: []string{echo.HeaderXRequestID},
	}))

	if m != nil {
		e.Use(PrometheusMiddleware(m))
	}
}
