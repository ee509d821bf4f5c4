package vpn

import (
	"context"
	"strings"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/routeros"
)

// Secret is a PPP account as stored on the router.
type Secret struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Password      string `json:"-"`
	Profile       string `json:"profile"`
	RemoteAddress string `json:"remote_address"`
	Comment       string `json:"comment"`
	Disabled      bool   `json:"disabled"`
}

// Session is a connected PPP peer.
type Session struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	CallerID string `json:"caller_id"`
	Service  string `json:"service"`
	Uptime   string `json:"uptime"`
}

// Repository is the router-side store of accounts and sessions. The router is
// authoritative; implementations must not cache.
type Repository interface {
	Secrets(ctx context.Context) ([]Secret, error)
	Sessions(ctx context.Context) ([]Session, error)
	AddSecret(ctx context.Context, s Secret) error
	// RemoveSecret reports false when the secret did not exist.
	RemoveSecret(ctx context.Context, name string) (bool, error)
	SetPassword(ctx context.Context, name, password string) error
	Disconnect(ctx context.Context, name string) error
	Identity(ctx context.Context) (string, error)
}

// RouterOSRepository implements Repository over a remote shell.
type RouterOSRepository struct {
	exec routeros.Executor
}

// NewRouterOSRepository wraps exec.
func NewRouterOSRepository(exec routeros.Executor) *RouterOSRepository {
	return &RouterOSRepository{exec: exec}
}

// Secrets lists PPP secrets.
func (r *RouterOSRepository) Secrets(ctx context.Context) ([]Secret, error) {
	res := r.exec.Run(ctx, routeros.SecretPrint())
	if err := res.AsError("vpn.secrets"); err != nil {
		return nil, err
	}
	records := routeros.ParseRecords(res.Stdout)
	secrets := make([]Secret, 0, len(records))
	for _, rec := range records {
		name := rec.Get("name")
		if name == "" {
			continue
		}
		secrets = append(secrets, Secret{
			ID:            rec.ID,
			Name:          name,
			Password:      rec.Get("password"),
			Profile:       rec.Get("profile"),
			RemoteAddress: rec.Get("remote-address"),
			Comment:       rec.Comment,
			Disabled:      rec.Disabled(),
		})
	}
	return secrets, nil
}

// Sessions lists active PPP sessions.
func (r *RouterOSRepository) Sessions(ctx context.Context) ([]Session, error) {
	res := r.exec.Run(ctx, routeros.ActivePrint())
	if err := res.AsError("vpn.sessions"); err != nil {
		return nil, err
	}
	records := routeros.ParseRecords(res.Stdout)
	sessions := make([]Session, 0, len(records))
	for _, rec := range records {
		name := rec.Get("name")
		if name == "" {
			continue
		}
		sessions = append(sessions, Session{
			ID:       rec.ID,
			Name:     name,
			Address:  rec.Get("address"),
			CallerID: rec.Get("caller-id"),
			Service:  rec.Get("service"),
			Uptime:   rec.Get("uptime"),
		})
	}
	return sessions, nil
}

// AddSecret creates a PPP secret.
func (r *RouterOSRepository) AddSecret(ctx context.Context, s Secret) error {
	res := r.exec.Mutate(ctx, routeros.SecretAdd(s.Name, s.Password, s.Profile, s.RemoteAddress, s.Comment))
	return res.AsError("vpn.add")
}

// RemoveSecret deletes a PPP secret.
func (r *RouterOSRepository) RemoveSecret(ctx context.Context, name string) (bool, error) {
	res := r.exec.Mutate(ctx, routeros.SecretRemove(name))
	if res.Err == nil && res.NoSuchItem() {
		return false, nil
	}
	if err := res.AsError("vpn.remove"); err != nil {
		return false, err
	}
	return true, nil
}

// SetPassword changes a PPP secret's password.
func (r *RouterOSRepository) SetPassword(ctx context.Context, name, password string) error {
	return r.exec.Mutate(ctx, routeros.SecretSetPassword(name, password)).AsError("vpn.change_password")
}

// Disconnect drops an active session. It changes no configuration, so no snapshot is taken.
func (r *RouterOSRepository) Disconnect(ctx context.Context, name string) error {
	return r.exec.Run(ctx, routeros.ActiveRemove(name)).AsError("vpn.disconnect")
}

// Identity returns the router identity.
func (r *RouterOSRepository) Identity(ctx context.Context) (string, error) {
	res := r.exec.Run(ctx, routeros.IdentityPrint())
	if err := res.AsError("vpn.test_connection"); err != nil {
		return "", err
	}
	if name := routeros.ParseProperties(res.Stdout)["name"]; name != "" {
		return name, nil
	}
	return strings.TrimSpace(res.Stdout), nil
}

// MemoryRepository is an in-process Repository used by tests and dry runs.
type MemoryRepository struct {
	secrets  []Secret
	sessions []Session
	// Fail, when set, is returned by every call.
	Fail error
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Connect marks name as connected from address.
func (m *MemoryRepository) Connect(name, address string) {
	m.sessions = append(m.sessions, Session{Name: name, Address: address, Service: "l2tp"})
}

func (m *MemoryRepository) Secrets(context.Context) ([]Secret, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	return append([]Secret(nil), m.secrets...), nil
}

func (m *MemoryRepository) Sessions(context.Context) ([]Session, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	return append([]Session(nil), m.sessions...), nil
}

func (m *MemoryRepository) AddSecret(_ context.Context, s Secret) error {
	if m.Fail != nil {
		return m.Fail
	}
	for _, existing := range m.secrets {
		if existing.Name == s.Name {
			return errs.Apply("vpn.add", "device reported failure", "failure: secret with the same name already exists")
		}
	}
	m.secrets = append(m.secrets, s)
	return nil
}

func (m *MemoryRepository) RemoveSecret(_ context.Context, name string) (bool, error) {
	if m.Fail != nil {
		return false, m.Fail
	}
	for i, s := range m.secrets {
		if s.Name == name {
			m.secrets = append(m.secrets[:i], m.secrets[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) SetPassword(_ context.Context, name, password string) error {
	if m.Fail != nil {
		return m.Fail
	}
	for i, s := range m.secrets {
		if s.Name == name {
			m.secrets[i].Password = password
			return nil
		}
	}
	return errs.Apply("vpn.change_password", "device reported failure", "no such item")
}

func (m *MemoryRepository) Disconnect(_ context.Context, name string) error {
	if m.Fail != nil {
		return m.Fail
	}
	for i, s := range m.sessions {
		if s.Name == name {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			return nil
		}
	}
	return errs.Apply("vpn.disconnect", "device reported failure", "no such item")
}

func (m *MemoryRepository) Identity(context.Context) (string, error) {
	if m.Fail != nil {
		return "", m.Fail
	}
	return "memory", nil
}
