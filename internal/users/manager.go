// Package users implements the admin surface for peer accounts: provisioning
// with IP allocation and config rendering, profile updates with interface
// side effects, deletion, and forced disconnects.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"time"

	"github.com/wgmond/wgmond/internal/session"
	"github.com/wgmond/wgmond/internal/store"
	"github.com/wgmond/wgmond/internal/wg"
)

// Error strings double as API response messages.
var (
	ErrInvalidPubkey   = errors.New("Invalid public key format")
	ErrPubkeyExists    = errors.New("Public key already exists")
	ErrInvalidEmail    = errors.New("Invalid email format")
	ErrInvalidExpiry   = errors.New("Invalid expiry date format")
	ErrUserNotFound    = errors.New("User not found")
	ErrIPPoolExhausted = errors.New("No available IP addresses")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// firstClientIP is handed out when no addresses are assigned yet.
const firstClientIP = "10.0.0.2"

// PeerWriter mutates the kernel peer table.
type PeerWriter interface {
	AddPeer(ctx context.Context, pubkey, clientIP string) error
	RemovePeer(ctx context.Context, pubkey string) error
}

// SessionCloser force-closes a user's live sessions.
type SessionCloser interface {
	CloseUserSessions(ctx context.Context, userID int64, reason session.Reason) int
}

type Config struct {
	Store    *store.Store
	WG       PeerWriter
	Sessions SessionCloser

	// ServerPublicKey and ServerEndpoint fill the rendered client config;
	// empty values fall back to placeholders for the operator to edit.
	ServerPublicKey string
	ServerEndpoint  string
}

func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.WG == nil {
		return errors.New("wg is required")
	}
	if c.Sessions == nil {
		return errors.New("sessions is required")
	}
	return nil
}

type Manager struct {
	log *slog.Logger
	cfg *Config
}

func New(log *slog.Logger, cfg *Config) (*Manager, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Manager{log: log, cfg: cfg}, nil
}

// CreateParams carry the admin-supplied profile for a new user.
type CreateParams struct {
	PeerPubkey     string
	Nickname       *string
	Mail           *string
	Phone          *string
	BandwidthLimit int64
	DataLimit      int64
	ExpiryDate     *string
	Note           *string
}

// CreateResult reports what provisioning produced.
type CreateResult struct {
	UserID   int64
	ClientIP string
	Config   string
}

// Create provisions a user: validates the profile, allocates the next client
// IP, adds the peer to the interface, and persists the row with a rendered
// client config. A failed insert removes the peer again so the kernel table
// and the store stay in step.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	if !wg.ValidKey(p.PeerPubkey) {
		return nil, ErrInvalidPubkey
	}
	if p.Mail != nil && *p.Mail != "" && !emailPattern.MatchString(*p.Mail) {
		return nil, ErrInvalidEmail
	}
	if p.ExpiryDate != nil && *p.ExpiryDate != "" {
		if _, err := time.ParseInLocation(time.DateTime, *p.ExpiryDate, time.Local); err != nil {
			return nil, ErrInvalidExpiry
		}
	}

	existing, err := m.cfg.Store.UserByPubkey(ctx, p.PeerPubkey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrPubkeyExists
	}

	clientIP, err := m.nextAvailableIP(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.cfg.WG.AddPeer(ctx, p.PeerPubkey, clientIP); err != nil {
		return nil, fmt.Errorf("failed to add peer to interface: %w", err)
	}

	configText := wg.RenderClientConfig(wg.ClientConfigParams{
		ServerPublicKey: m.cfg.ServerPublicKey,
		ServerEndpoint:  m.cfg.ServerEndpoint,
		ClientIP:        clientIP,
	})

	id, err := m.cfg.Store.CreateUser(ctx, store.CreateUserParams{
		PeerPubkey:     p.PeerPubkey,
		ClientIP:       clientIP,
		Nickname:       p.Nickname,
		Mail:           p.Mail,
		Phone:          p.Phone,
		BandwidthLimit: p.BandwidthLimit,
		DataLimit:      p.DataLimit,
		ExpiryDate:     p.ExpiryDate,
		Note:           p.Note,
		WGConfig:       configText,
	})
	if err != nil {
		if rmErr := m.cfg.WG.RemovePeer(ctx, p.PeerPubkey); rmErr != nil {
			m.log.Warn("failed to roll back peer after create failure",
				"pubkey", wg.ShortKey(p.PeerPubkey), "error", rmErr)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	m.log.Info("user created",
		"userID", id, "pubkey", wg.ShortKey(p.PeerPubkey), "clientIP", clientIP)
	return &CreateResult{UserID: id, ClientIP: clientIP, Config: configText}, nil
}

// Update applies whitelisted profile fields to a user. Toggling enabled
// mirrors the change onto the interface: disabling removes the peer (its
// session then closes on the next tick), enabling re-adds it under the
// stored client IP. Interface failures are logged, not fatal; the row is
// the source of truth.
func (m *Manager) Update(ctx context.Context, id int64, fields map[string]any) error {
	filtered := normalizeFields(fields)

	if v, ok := filtered["mail"]; ok {
		if s, isStr := v.(string); isStr && s != "" && !emailPattern.MatchString(s) {
			return ErrInvalidEmail
		}
	}
	if v, ok := filtered["expiry_date"]; ok {
		if s, isStr := v.(string); isStr && s != "" {
			if _, err := time.ParseInLocation(time.DateTime, s, time.Local); err != nil {
				return ErrInvalidExpiry
			}
		}
	}

	user, err := m.userByID(ctx, id)
	if err != nil {
		return err
	}
	if len(filtered) == 0 {
		return nil
	}

	if v, ok := filtered["enabled"]; ok {
		switch v {
		case int64(0):
			if err := m.cfg.WG.RemovePeer(ctx, user.PeerPubkey); err != nil {
				m.log.Warn("failed to remove disabled peer from interface",
					"userID", id, "error", err)
			}
		case int64(1):
			if user.ClientIP != nil {
				if err := m.cfg.WG.AddPeer(ctx, user.PeerPubkey, *user.ClientIP); err != nil {
					m.log.Warn("failed to re-add enabled peer to interface",
						"userID", id, "error", err)
				}
			}
		}
	}

	if err := m.cfg.Store.UpdateUser(ctx, id, filtered); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	m.log.Debug("user updated", "userID", id)
	return nil
}

// Enable re-admits a user to the interface.
func (m *Manager) Enable(ctx context.Context, id int64) error {
	return m.Update(ctx, id, map[string]any{"enabled": 1})
}

// Disable bars a user from the interface without deleting the account.
func (m *Manager) Disable(ctx context.Context, id int64) error {
	return m.Update(ctx, id, map[string]any{"enabled": 0})
}

// ResetTraffic zeroes a user's lifetime byte counters.
func (m *Manager) ResetTraffic(ctx context.Context, id int64) error {
	if _, err := m.userByID(ctx, id); err != nil {
		return err
	}
	if err := m.cfg.Store.ResetUserTraffic(ctx, id); err != nil {
		return fmt.Errorf("failed to reset traffic: %w", err)
	}
	m.log.Info("user traffic reset", "userID", id)
	return nil
}

// Kick force-closes the user's live sessions and reports whether any were
// open. The peer stays on the interface, so a client that handshakes again
// simply opens a new session.
func (m *Manager) Kick(ctx context.Context, id int64) bool {
	return m.cfg.Sessions.CloseUserSessions(ctx, id, session.ReasonKicked) > 0
}

// Delete removes a user for good. Live sessions close first so their totals
// are on record, the peer leaves the interface, and the row deletion cascades
// to events and traffic history. An interface failure does not block the
// deletion.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	user, err := m.userByID(ctx, id)
	if err != nil {
		return err
	}

	closed := m.cfg.Sessions.CloseUserSessions(ctx, id, session.ReasonUserDeleted)

	// open rows left behind by an earlier process have no live entry
	openIDs, err := m.cfg.Store.OpenEventIDs(ctx, id)
	if err != nil {
		return err
	}
	for _, eventID := range openIDs {
		if _, err := m.cfg.Store.CloseSession(ctx, eventID); err != nil && !errors.Is(err, store.ErrEventClosed) {
			m.log.Error("failed to close orphaned event", "eventID", eventID, "error", err)
		}
	}

	if err := m.cfg.WG.RemovePeer(ctx, user.PeerPubkey); err != nil {
		m.log.Warn("failed to remove peer from interface, continuing with delete",
			"userID", id, "error", err)
	}

	if err := m.cfg.Store.DeleteUser(ctx, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	m.log.Info("user deleted",
		"userID", id, "pubkey", wg.ShortKey(user.PeerPubkey), "closedSessions", closed)
	return nil
}

func (m *Manager) userByID(ctx context.Context, id int64) (*store.User, error) {
	user, err := m.cfg.Store.UserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// nextAvailableIP picks the numerically highest assigned v4 address and
// increments its last octet, staying inside that /24.
func (m *Manager) nextAvailableIP(ctx context.Context) (string, error) {
	assigned, err := m.cfg.Store.ClientIPs(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list assigned ips: %w", err)
	}

	var highest netip.Addr
	for _, raw := range assigned {
		addr, err := netip.ParseAddr(raw)
		if err != nil || !addr.Is4() {
			continue
		}
		if !highest.IsValid() || addr.Compare(highest) > 0 {
			highest = addr
		}
	}
	if !highest.IsValid() {
		return firstClientIP, nil
	}

	octets := highest.As4()
	if octets[3] >= 254 {
		return "", ErrIPPoolExhausted
	}
	octets[3]++
	return netip.AddrFrom4(octets).String(), nil
}

// normalizeFields keeps only updatable columns and maps JSON-decoded values
// onto storable ones: numbers arrive as float64, enabled may arrive as bool.
func normalizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !updatable[k] {
			continue
		}
		switch t := v.(type) {
		case bool:
			if t {
				out[k] = int64(1)
			} else {
				out[k] = int64(0)
			}
		case float64:
			out[k] = int64(t)
		case int:
			out[k] = int64(t)
		default:
			out[k] = v
		}
	}
	return out
}

var updatable = map[string]bool{
	"nickname":        true,
	"mail":            true,
	"phone":           true,
	"bandwidth_limit": true,
	"data_limit":      true,
	"expiry_date":     true,
	"enabled":         true,
	"note":            true,
}
