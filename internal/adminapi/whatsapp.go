package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/chippool/internal/webserver"
	"go.uber.org/zap"
)

type pairingWaitPayload struct {
	TimeoutSeconds int `json:"timeout_seconds" validate:"omitempty,min=1,max=600"`
}

func registerPairingRoutes() {
	webserver.ApiGET("/chips/:id/qr", GetChipQR)
	webserver.ApiPOST("/chips/:id/qr/refresh", RefreshChipQR)
	webserver.ApiPOST("/chips/:id/pairing/wait", WaitChipPairing)
}

// GetChipQR returns the QR code string of a chip awaiting pairing. The
// frontend renders it client-side. A cached code is served while fresh.
func GetChipQR(c echo.Context) error {
	qr, err := GetAppContext(c).Pairing().QRCode(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, qr)
}

// RefreshChipQR forces a new QR code from the gateway.
func RefreshChipQR(c echo.Context) error {
	qr, err := GetAppContext(c).Pairing().RefreshQR(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	zap.L().Info("adminapi: refreshed qr", zap.String("namespace", "adminapi"), zap.String("chip", c.Param("id")))
	return ok(c, qr)
}

// WaitChipPairing long-polls the gateway until the chip's session opens or
// the timeout passes. The request context bounds the wait too.
func WaitChipPairing(c echo.Context) error {
	var payload pairingWaitPayload
	if c.Request().ContentLength > 0 {
		if valid, err := bindValid(c, &payload); !valid {
			return err
		}
	}
	res, err := GetAppContext(c).Pairing().AwaitPairing(c.Request().Context(), c.Param("id"),
		time.Duration(payload.TimeoutSeconds)*time.Second)
	if err != nil {
		return failErr(c, err)
	}
	if res.TimedOut {
		return c.JSON(http.StatusAccepted, Response{Data: res})
	}
	return ok(c, res)
}
