package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/whatsapp-automation/chatsync/internal/gateway"
	"github.com/whatsapp-automation/chatsync/internal/store"
)

// ConnectResult is the outcome of a pairing request
type ConnectResult struct {
	Status      string    `json:"status"` // "connected", "qr_code", "pending"
	Tenant      string    `json:"tenant"`
	QRCode      string    `json:"qr_code,omitempty"`
	QRCodePath  string    `json:"qr_code_path,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"` // XXXX-XXXX format
	LoggedIn    bool      `json:"logged_in"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// formatPairingCode formats an 8 character pairing code as XXXX-XXXX
func formatPairingCode(code string) string {
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}

// Connect asks the gateway for a QR/pairing payload. An already paired
// instance reports status "connected".
func (w *Workspace) Connect(ctx context.Context) (*ConnectResult, error) {
	res, err := w.gw.ConnectInstance(ctx, w.tenant)
	if err != nil {
		return nil, fmt.Errorf("connect instance: %w", err)
	}
	if res.State == gateway.StateOpen {
		w.setInstanceState(gateway.StateOpen)
		return w.setPairing(&ConnectResult{Status: "connected", LoggedIn: true}), nil
	}
	return w.setPairing(w.pairingFromCode(res.Code, res.PairingCode)), nil
}

func (w *Workspace) pairingFromCode(code, pairingCode string) *ConnectResult {
	result := &ConnectResult{Status: "pending", QRCode: code, PairingCode: formatPairingCode(pairingCode)}
	if code == "" {
		return result
	}
	result.Status = "qr_code"
	if w.qrDir != "" {
		path, err := w.generateQRImage(code)
		if err != nil {
			w.log.Warn().Err(err).Msg("failed to write QR image")
		} else {
			result.QRCodePath = path
		}
	}
	return result
}

func (w *Workspace) setPairing(r *ConnectResult) *ConnectResult {
	r.Tenant = w.tenant.ID
	r.UpdatedAt = time.Now()
	w.mu.Lock()
	w.pairing = r
	w.mu.Unlock()
	return r
}

// Pairing returns the last pairing payload, or nil.
func (w *Workspace) Pairing() *ConnectResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pairing == nil {
		return nil
	}
	copied := *w.pairing
	return &copied
}

// QRCodePNG renders the pending QR code.
func (w *Workspace) QRCodePNG(size int) ([]byte, error) {
	p := w.Pairing()
	if p == nil || p.QRCode == "" {
		return nil, ErrNoQRCode
	}
	if size <= 0 {
		size = 512
	}
	return qrcode.Encode(p.QRCode, qrcode.Medium, size)
}

// generateQRImage creates a QR code image file
func (w *Workspace) generateQRImage(code string) (string, error) {
	if err := os.MkdirAll(w.qrDir, 0755); err != nil {
		return "", err
	}
	filename := fmt.Sprintf("qr-%s-%s.png", store.SafeName(w.tenant.ID), uuid.New().String()[:8])
	qrPath := filepath.Join(w.qrDir, filename)

	err := qrcode.WriteFile(code, qrcode.Medium, 512, qrPath)
	if err != nil {
		return "", err
	}

	return qrPath, nil
}

type qrEvent struct {
	QRCode struct {
		Code        string `json:"code"`
		PairingCode string `json:"pairingCode"`
		Base64      string `json:"base64"`
	} `json:"qrcode"`
}

func (w *Workspace) onQRCode(data json.RawMessage) {
	var ev qrEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.QRCode.Code == "" {
		w.log.Debug().Msg("malformed qrcode event dropped")
		return
	}
	w.setPairing(w.pairingFromCode(ev.QRCode.Code, ev.QRCode.PairingCode))
	w.log.Info().Msg("QR code updated")
}
