package webserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/app"
	"go.uber.org/zap"
)

const (
	ApiPrefix     = "/api/v1"
	AppContextKey = "appctx"
	UserClaimsKey = "user"
)

type route struct {
	method  string
	path    string
	handler echo.HandlerFunc
	mws     []echo.MiddlewareFunc
}

var (
	routesMu sync.Mutex
	routes   = map[string]route{}

	// collectors register once per process
	httpMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
		return echoprometheus.NewMiddleware("chippool")
	})
)

func register(method, path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	routesMu.Lock()
	defer routesMu.Unlock()
	routes[method+" "+path] = route{method: method, path: path, handler: h, mws: m}
}

// ApiGET registers a GET route under /api/v1. Registering the same method
// and path again replaces the handler.
func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	register(http.MethodGet, path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	register(http.MethodPost, path, h, m...)
}

func ApiPUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	register(http.MethodPut, path, h, m...)
}

func ApiDELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	register(http.MethodDelete, path, h, m...)
}

// AdminServer serves the admin API of one application.
type AdminServer struct {
	root   *echo.Echo
	api    *echo.Group
	appCtx app.AppContext
	cfg    config.WebConfig
}

// NewAdminServer builds the echo instance and mounts every registered route.
func NewAdminServer(appCtx app.AppContext) *AdminServer {
	s := &AdminServer{appCtx: appCtx, cfg: appCtx.Config().Web}
	s.root = echo.New()
	s.root.HideBanner = true
	s.root.HidePort = true
	s.root.JSONSerializer = &JSONSerializer{}
	s.root.Validator = &CustomValidator{validator: validator.New()}
	s.root.HTTPErrorHandler = errorHandler

	s.root.Use(middleware.Recover())
	s.root.Use(middleware.RequestID())
	s.root.Use(requestLogger())
	s.root.Use(httpMetrics())
	s.root.GET("/metrics", echoprometheus.NewHandler())
	s.root.GET("/ready", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	s.api = s.root.Group(ApiPrefix, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(AppContextKey, s.appCtx)
			return next(c)
		}
	})
	if s.cfg.Secret != "" {
		s.api.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey:  []byte(s.cfg.Secret),
			ContextKey:  UserClaimsKey,
			TokenLookup: "header:Authorization:Bearer ,query:token",
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(jwt.RegisteredClaims)
			},
			ErrorHandler: func(c echo.Context, err error) error {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token").SetInternal(err)
			},
		}))
	}
	s.mount()
	return s
}

func (s *AdminServer) mount() {
	routesMu.Lock()
	defer routesMu.Unlock()
	keys := make([]string, 0, len(routes))
	for k := range routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := routes[k]
		s.api.Add(r.method, r.path, r.handler, r.mws...)
	}
	zap.L().Debug("admin api mounted", zap.String("namespace", "webserver"), zap.Int("routes", len(keys)))
}

// Handler exposes the router, mainly for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.root
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *AdminServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	zap.L().Info("admin api listening", zap.String("namespace", "webserver"), zap.String("addr", addr),
		zap.Bool("auth", s.cfg.Secret != ""))
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.root.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.root.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Operator returns the subject of the request's token, or def when the API
// runs without auth.
func Operator(c echo.Context, def string) string {
	if tok, ok := c.Get(UserClaimsKey).(*jwt.Token); ok && tok != nil {
		if sub, err := tok.Claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
			return sub
		}
	}
	return def
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/ready"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("namespace", "webserver"),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				zap.L().Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			zap.L().Debug("request", fields...)
			return nil
		},
	})
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := interface{}(err.Error())
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = he.Message
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]interface{}{
		"error":   http.StatusText(code),
		"message": msg,
	})
}

// JSONSerializer echo serializer backed by json-iterator
type JSONSerializer struct{}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (JSONSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (JSONSerializer) Deserialize(c echo.Context, i interface{}) error {
	err := json.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}

// CustomValidator echo validator with go-playground rules
type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}
