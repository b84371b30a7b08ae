package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whatsapp-automation/chatsync/internal/chat"
	"github.com/whatsapp-automation/chatsync/internal/gateway"
	"github.com/whatsapp-automation/chatsync/internal/realtime"
	"github.com/whatsapp-automation/chatsync/internal/store"
)

// Options configures a Service.
type Options struct {
	Gateway     Gateway
	Realtime    *realtime.Manager
	StatusTable chat.StatusTable
	BaseURL     string
	DataDir     string
	QRDir       string
	PageSize    int
}

// Service owns the workspace of the logged-in tenant. At most one tenant is
// logged in at a time.
type Service struct {
	opts Options
	log  zerolog.Logger

	// loginMu serializes Login and Logout.
	loginMu sync.Mutex
	mu      sync.RWMutex
	current *Workspace
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	return &Service{
		opts: opts,
		log:  log.With().Str("component", "crm").Logger(),
	}
}

// Credentials identify a tenant at the gateway.
type Credentials struct {
	Tenant  string `json:"tenant"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

// Login validates creds against the gateway and makes the tenant the active
// one. Logging in as the already active tenant returns its workspace.
func (s *Service) Login(ctx context.Context, creds Credentials) (*Workspace, error) {
	t := gateway.Tenant{
		ID:      strings.TrimSpace(creds.Tenant),
		APIKey:  strings.TrimSpace(creds.APIKey),
		BaseURL: strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/"),
	}
	if t.BaseURL == "" {
		t.BaseURL = strings.TrimRight(s.opts.BaseURL, "/")
	}
	if t.ID == "" || t.APIKey == "" || t.BaseURL == "" {
		return nil, fmt.Errorf("%w: tenant, api key and gateway url are required", ErrInvalidCredentials)
	}

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	if w := s.Current(); w != nil && w.tenant == t {
		return w, nil
	}

	state, err := s.opts.Gateway.ProbeConnectionState(ctx, t)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && isCredentialStatus(gwErr.Status) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, gwErr.Message)
		}
		return nil, fmt.Errorf("probe connection state: %w", err)
	}

	// tear the previous tenant down before anything of the new one starts
	s.closeCurrent()

	var mirror *store.ContactStore
	existing := false
	if s.opts.DataDir != "" {
		existing = store.HasMirror(s.opts.DataDir, t.ID)
		mirror, err = store.Open(ctx, s.opts.DataDir, t.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("tenant", t.ID).Msg("contact mirror unavailable")
			mirror = nil
		}
	}

	w := newWorkspace(t, workspaceOptions{
		gw:          s.opts.Gateway,
		manager:     s.opts.Realtime,
		mirror:      mirror,
		statusTable: s.opts.StatusTable,
		pageSize:    s.opts.PageSize,
		qrDir:       s.opts.QRDir,
	})
	w.setInstanceState(state)

	if mirror != nil && !existing {
		w.log.Debug().Msg("new contact mirror")
	}
	if mirror != nil && existing {
		if seeded, err := mirror.LoadContacts(ctx); err != nil {
			w.log.Warn().Err(err).Msg("failed to load contact mirror")
		} else if len(seeded) > 0 {
			w.contacts.Seed(seeded)
			w.log.Info().Int("contacts", len(seeded)).Msg("seeded from mirror")
		}
	}

	h, err := s.opts.Realtime.Open(ctx, t)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open realtime: %w", err)
	}
	w.attach(h)

	s.mu.Lock()
	s.current = w
	s.mu.Unlock()

	if err := w.Refresh(ctx); err != nil {
		// the realtime stream and the next reconnect catch up
		w.log.Warn().Err(err).Msg("initial refresh failed")
	}

	s.log.Info().Str("tenant", t.ID).Str("instance_state", state).Msg("logged in")
	return w, nil
}

func isCredentialStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound
}

// Logout closes the active workspace. With unlink the gateway instance is
// logged out of WhatsApp and the contact mirror deleted.
func (s *Service) Logout(ctx context.Context, unlink bool) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	w := s.Current()
	if w == nil {
		return ErrNoSession
	}

	var unlinkErr error
	if unlink {
		if err := s.opts.Gateway.LogoutInstance(ctx, w.tenant); err != nil {
			unlinkErr = fmt.Errorf("logout instance: %w", err)
		}
	}

	mirror := w.mirror
	s.closeCurrent()

	if unlink && mirror != nil {
		if err := mirror.Delete(); err != nil {
			s.log.Warn().Err(err).Str("tenant", w.tenant.ID).Msg("failed to delete contact mirror")
		}
	}
	s.log.Info().Str("tenant", w.tenant.ID).Bool("unlink", unlink).Msg("logged out")
	return unlinkErr
}

// Restart asks the gateway to restart the active instance.
func (s *Service) Restart(ctx context.Context) error {
	w := s.Current()
	if w == nil {
		return ErrNoSession
	}
	if err := s.opts.Gateway.RestartInstance(ctx, w.tenant); err != nil {
		return fmt.Errorf("restart instance: %w", err)
	}
	return nil
}

func (s *Service) closeCurrent() {
	s.mu.Lock()
	w := s.current
	s.current = nil
	s.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// Current returns the active workspace, or nil.
func (s *Service) Current() *Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Workspace returns the active workspace or ErrNoSession.
func (s *Service) Workspace() (*Workspace, error) {
	if w := s.Current(); w != nil {
		return w, nil
	}
	return nil, ErrNoSession
}

// Shutdown closes the active workspace and the realtime manager.
func (s *Service) Shutdown() {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	s.closeCurrent()
	if s.opts.Realtime != nil {
		s.opts.Realtime.Shutdown()
	}
}
