package whatsapp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/domain"
	"github.com/talkincode/chippool/internal/lifecycle"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Gateway is the subset of the gateway client used for pairing.
type Gateway interface {
	ConnectionState(ctx context.Context, instance string) (string, error)
	FetchQRCode(ctx context.Context, instance string) (*QRCode, error)
}

type ChipSource interface {
	GetChip(ctx context.Context, id string) (*domain.Chip, error)
}

// Connector applies a connection check to a chip, moving it out of
// pending once the session is open.
type Connector interface {
	CheckConnection(ctx context.Context, chipID string) (*lifecycle.ConnectionResult, error)
}

// qrTTL WhatsApp rotates pairing codes roughly every 40s
const qrTTL = 40 * time.Second

// Service keeps the pairing QR codes of chips and waits for sessions to
// come up.
type Service struct {
	gw    Gateway
	chips ChipSource
	conn  Connector

	qrMap    map[string]QRCode
	qrMapMux sync.RWMutex
	group    singleflight.Group

	fetchTimeout   time.Duration
	pollInterval   time.Duration
	pairingTimeout time.Duration
	now            func() time.Time
}

func NewService(gw Gateway, chips ChipSource, conn Connector, cfg config.GatewayConfig) *Service {
	s := &Service{
		gw:             gw,
		chips:          chips,
		conn:           conn,
		qrMap:          make(map[string]QRCode),
		fetchTimeout:   cfg.Timeout,
		pollInterval:   cfg.PollInterval,
		pairingTimeout: cfg.PairingTimeout,
		now:            time.Now,
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = 10 * time.Second
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 3 * time.Second
	}
	if s.pairingTimeout <= 0 {
		s.pairingTimeout = 2 * time.Minute
	}
	return s
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func pairable(status domain.ChipStatus) bool {
	switch status {
	case domain.ChipProvisioned, domain.ChipPending, domain.ChipOffline:
		return true
	}
	return false
}

// QRCode returns the cached QR code of a chip, fetching a new one when it
// is missing or expired.
func (s *Service) QRCode(ctx context.Context, chipID string) (*QRCode, error) {
	s.qrMapMux.RLock()
	qr, ok := s.qrMap[chipID]
	s.qrMapMux.RUnlock()
	if ok && s.now().Sub(qr.FetchedAt) < qrTTL {
		return &qr, nil
	}
	return s.RefreshQR(ctx, chipID)
}

// RefreshQR fetches a fresh QR code. Concurrent refreshes of one chip share
// a single gateway call, which is bounded by the gateway timeout and not by
// the context of whichever caller started it.
func (s *Service) RefreshQR(ctx context.Context, chipID string) (*QRCode, error) {
	chip, err := s.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	if !pairable(chip.Status) {
		return nil, &domain.ConflictError{Action: "qr", Guard: "status", Reason: fmt.Sprintf("chip is %s and does not need pairing", chip.Status)}
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(chipID, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(fetchCtx, s.fetchTimeout)
		defer cancel()
		qr, err := s.gw.FetchQRCode(fctx, chip.InstanceName)
		if err != nil {
			return nil, err
		}
		qr.ChipID = chipID
		qr.FetchedAt = s.now()
		s.qrMapMux.Lock()
		s.qrMap[chipID] = *qr
		s.qrMapMux.Unlock()
		return *qr, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			zap.L().Debug("qr refresh shared", zap.String("namespace", "whatsapp"), zap.String("chip", chipID))
		}
		qr := res.Val.(QRCode)
		return &qr, nil
	}
}

func (s *Service) forget(chipID string) {
	s.qrMapMux.Lock()
	delete(s.qrMap, chipID)
	s.qrMapMux.Unlock()
}

// CachedQRCount number of chips with a pairing code in memory
func (s *Service) CachedQRCount() int {
	s.qrMapMux.RLock()
	defer s.qrMapMux.RUnlock()
	return len(s.qrMap)
}

// PairingResult is the outcome of AwaitPairing.
type PairingResult struct {
	ChipID    string            `json:"chip_id"`
	Connected bool              `json:"connected"`
	TimedOut  bool              `json:"timed_out"`
	State     string            `json:"state"`
	Status    domain.ChipStatus `json:"status"`
	Polls     int               `json:"polls"`
}

// AwaitPairing polls the connection state until the session opens, timeout
// passes or ctx is cancelled. A timeout of zero or above the configured
// bound uses the configured bound. Gateway failures during the poll are
// logged and polling continues.
func (s *Service) AwaitPairing(ctx context.Context, chipID string, timeout time.Duration) (*PairingResult, error) {
	chip, err := s.chips.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	res := &PairingResult{ChipID: chipID, Status: chip.Status}
	if !pairable(chip.Status) {
		res.Connected = chip.Status.Connected()
		return res, nil
	}
	if timeout <= 0 || timeout > s.pairingTimeout {
		timeout = s.pairingTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		res.Polls++
		cr, err := s.conn.CheckConnection(ctx, chipID)
		switch {
		case err == nil:
			res.State, res.Status = cr.State, cr.Status
			if cr.State == lifecycle.StateOpen {
				s.forget(chipID)
				res.Connected = true
				zap.L().Info("chip paired", zap.String("namespace", "whatsapp"), zap.String("chip", chipID), zap.Int("polls", res.Polls))
				return res, nil
			}
		case domain.IsDependency(err):
			zap.L().Warn("pairing poll failed", zap.String("namespace", "whatsapp"), zap.String("chip", chipID), zap.Error(err))
		default:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			res.TimedOut = true
			return res, nil
		case <-ticker.C:
		}
	}
}
