package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/chippool/internal/app"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/webserver"
	"github.com/talkincode/chippool/pkg/common"
	"go.uber.org/zap"
)

// Response success envelope
type Response struct {
	Data interface{} `json:"data"`
	Meta *Meta       `json:"meta,omitempty"`
}

// Meta paging information of list responses
type Meta struct {
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	PerPage int   `json:"perPage"`
}

// ErrorResponse failure envelope
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Data: data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, Response{Data: data})
}

func paged(c echo.Context, data interface{}, total int64, page, perPage int) error {
	return c.JSON(http.StatusOK, Response{Data: data, Meta: &Meta{Total: total, Page: page, PerPage: perPage}})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, ErrorResponse{Error: code, Message: message, Details: details})
}

// failErr maps a domain error to its HTTP status and envelope.
func failErr(c echo.Context, err error) error {
	var (
		ve *domain.ValidationError
		ce *domain.ConflictError
		de *domain.DependencyError
		se *domain.StalenessError
	)
	switch {
	case errors.As(err, &ve):
		return fail(c, http.StatusBadRequest, domain.CodeValidation, ve.Error(), map[string]string{"field": ve.Field})
	case errors.As(err, &ce):
		return fail(c, http.StatusConflict, domain.CodeConflict, ce.Error(), map[string]string{"action": ce.Action, "guard": ce.Guard})
	case errors.As(err, &de):
		return fail(c, http.StatusBadGateway, domain.CodeDependency, de.Error(), map[string]interface{}{"dependency": de.Dependency, "attempts": de.Attempts})
	case errors.As(err, &se):
		return fail(c, http.StatusServiceUnavailable, domain.CodeStale, se.Error(), nil)
	case domain.IsNotFound(err):
		return fail(c, http.StatusNotFound, domain.CodeNotFound, err.Error(), nil)
	}
	zap.L().Error("admin api error", zap.String("namespace", "adminapi"), zap.String("path", c.Path()), zap.Error(err))
	return fail(c, http.StatusInternalServerError, domain.CodeInternal, "Internal error", err.Error())
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return fail(c, http.StatusBadRequest, domain.CodeValidation, "Request validation failed", fields)
	}
	return fail(c, http.StatusBadRequest, domain.CodeValidation, err.Error(), nil)
}

// bindValid binds and validates a request payload. A non-nil error has
// already been written to the response.
func bindValid(c echo.Context, payload interface{}) (bool, error) {
	if err := c.Bind(payload); err != nil {
		return false, fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(payload); err != nil {
		return false, handleValidationError(c, err)
	}
	return true, nil
}

// GetAppContext returns the application bound to the request.
func GetAppContext(c echo.Context) app.AppContext {
	return c.Get(webserver.AppContextKey).(app.AppContext)
}

func paging(c echo.Context) (page, perPage int) {
	page = cast.ToInt(c.QueryParam("page"))
	perPage = cast.ToInt(c.QueryParam("perPage"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}
	return page, perPage
}

// optBool parses an optional boolean query parameter.
func optBool(c echo.Context, name string) (*bool, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return nil, nil
	}
	v, err := cast.ToBoolE(raw)
	if err != nil {
		return nil, &domain.ValidationError{Field: name, Reason: "must be a boolean"}
	}
	return &v, nil
}

func parseID(c echo.Context) (int64, error) {
	id, err := cast.ToInt64E(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, &domain.ValidationError{Field: "id", Reason: "invalid id"}
	}
	return id, nil
}

func operator(c echo.Context) string {
	return webserver.Operator(c, "admin")
}

// audit records an operator action. Failures are logged, never returned.
func audit(c echo.Context, action, target, format string, args ...interface{}) {
	entry := &domain.OpLog{
		ID:        common.UUIDint64(),
		OprName:   operator(c),
		OprIp:     c.RealIP(),
		OptAction: action,
		OptTarget: target,
		OptDesc:   fmt.Sprintf(format, args...),
		OptTime:   time.Now().UTC(),
	}
	if err := GetAppContext(c).Store().AppendOpLog(c.Request().Context(), entry); err != nil {
		zap.L().Warn("audit log failed", zap.String("namespace", "adminapi"), zap.String("action", action), zap.Error(err))
	}
}

// Init registers every admin API route.
func Init() {
	registerChipRoutes()
	registerPairingRoutes()
	registerPoolRoutes()
	registerAlertRoutes()
	registerWarmupRoutes()
	registerJobRoutes()
}
