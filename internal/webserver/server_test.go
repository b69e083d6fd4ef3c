package webserver_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/app"
	"github.com/talkincode/chippool/internal/webserver"
)

type pingPayload struct {
	Name string `json:"name" validate:"required,max=5"`
}

func newServer(t *testing.T, secret string) http.Handler {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Web.Secret = secret
	webserver.ApiGET("/test/whoami", func(c echo.Context) error {
		_, ok := c.Get(webserver.AppContextKey).(app.AppContext)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"operator": webserver.Operator(c, "anonymous"),
			"appctx":   ok,
		})
	})
	webserver.ApiPOST("/test/ping", func(c echo.Context) error {
		var p pingPayload
		if err := c.Bind(&p); err != nil {
			return err
		}
		if err := c.Validate(&p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, p)
	})
	return webserver.NewAdminServer(app.NewApplication(cfg)).Handler()
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutesAndContext(t *testing.T) {
	h := newServer(t, "")

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/test/whoami", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"operator":"anonymous","appctx":true}`, rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chippool_requests_total")
}

func TestSerializerAndValidator(t *testing.T) {
	h := newServer(t, "")
	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/test/ping", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		return serve(h, req)
	}

	rec := post(`{"name":"abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"abc"}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, post(`{"name":"abcdefgh"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"name":`).Code)
}

func TestJWTSubjectIsOperator(t *testing.T) {
	h := newServer(t, "k3y")

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/test/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).SignedString([]byte("k3y"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/test/whoami", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signed)
	rec = serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"operator":"ops","appctx":true}`, rec.Body.String())

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).SignedString([]byte("other"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/test/whoami?token="+bad, nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}
