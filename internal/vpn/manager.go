// Package vpn manages PPP VPN accounts on the router: creation with pool-based
// address assignment, removal, password rotation and session disconnects.
// The router holds the only copy of the accounts; every call re-reads it.
package vpn

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/network"
)

// MinPasswordLength is the shortest password accepted.
const MinPasswordLength = 8

// GeneratedPasswordLength is the length of auto-generated passwords.
const GeneratedPasswordLength = 12

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%&*"

// Account statuses reported by Stats.
const (
	StatusConnected  = "connected"
	StatusConfigured = "configured"
	StatusNotFound   = "not_found"
)

// Manager manages VPN accounts.
type Manager struct {
	repo  Repository
	pools network.Pools
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewManager creates a Manager over repo with the given site pools.
func NewManager(repo Repository, pools network.Pools, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{repo: repo, pools: pools, log: log.WithField("component", "vpn"), now: time.Now}
}

// AddRequest describes a new account. Password and Address are optional.
type AddRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password,omitempty"`
	Address  string `json:"address,omitempty"`
	Site     string `json:"site" binding:"required"`
	Comment  string `json:"comment,omitempty"`
}

// AddResult carries the credentials of a new account. The password is only
// ever returned here.
type AddResult struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	PasswordGenerated bool   `json:"password_generated"`
	Address           string `json:"address"`
	Site              string `json:"site"`
	Profile           string `json:"profile"`
	Message           string `json:"message"`
}

// Result is the outcome of a mutation that returns no data.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Account is a configured account without its password.
type Account struct {
	Username string `json:"username"`
	Site     string `json:"site,omitempty"`
	Profile  string `json:"profile"`
	Address  string `json:"address"`
	Comment  string `json:"comment"`
	Disabled bool   `json:"disabled"`
	Online   bool   `json:"online"`
}

// AccountStats is the per-account view.
type AccountStats struct {
	Username string   `json:"username"`
	Status   string   `json:"status"`
	Account  *Account `json:"account,omitempty"`
	Session  *Session `json:"session,omitempty"`
}

// Status summarizes accounts, sessions and pools.
type Status struct {
	TotalAccounts  int                         `json:"total_accounts"`
	ActiveSessions int                         `json:"active_sessions"`
	Sites          map[string]network.PoolInfo `json:"sites"`
	SiteNames      []string                    `json:"site_names"`
}

// NormalizeUsername lowercases and trims a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateUsername(op, username string) error {
	if username == "" {
		return errs.Validation(op, "username must not be empty")
	}
	for _, c := range username {
		if unicode.IsSpace(c) || unicode.IsControl(c) || c == '"' || c == '\\' {
			return errs.Validation(op, "username %q contains invalid characters", username)
		}
	}
	return nil
}

// Add creates an account on the router.
func (m *Manager) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	const op = "vpn.add"

	username := NormalizeUsername(req.Username)
	if err := validateUsername(op, username); err != nil {
		return nil, err
	}
	pool, ok := m.pools[req.Site]
	if !ok {
		return nil, errs.Validation(op, "unknown site %q", req.Site)
	}
	if req.Password != "" && len(req.Password) < MinPasswordLength {
		return nil, errs.Validation(op, "password must be at least %d characters", MinPasswordLength)
	}
	if req.Address != "" && !pool.Contains(req.Address) {
		return nil, errs.Validation(op, "address %s is not in site %s network %s", req.Address, pool.Name(), pool.Network())
	}

	secrets, err := m.repo.Secrets(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range secrets {
		if NormalizeUsername(s.Name) == username {
			return nil, errs.Conflict(op, "user %q already exists", username)
		}
	}
	assigned := assignedAddresses(secrets)

	address := req.Address
	if address != "" {
		conflict, err := pool.CheckAddress(address, assigned)
		if err != nil {
			if conflict {
				return nil, errs.Conflict(op, "%s", err.Error())
			}
			return nil, errs.Validation(op, "%s", err.Error())
		}
	} else {
		next, ok := pool.Next(assigned)
		if !ok {
			return nil, errs.Conflict(op, "no addresses available in site %s", pool.Name())
		}
		address = next
	}

	password := req.Password
	generated := false
	if password == "" {
		if password, err = GeneratePassword(GeneratedPasswordLength); err != nil {
			return nil, errs.Internal(op, err)
		}
		generated = true
	}

	comment := req.Comment
	if comment == "" {
		comment = "Added via dashboard - " + m.now().Format("2006-01-02 15:04:05")
	}

	if err := m.repo.AddSecret(ctx, Secret{
		Name:          username,
		Password:      password,
		Profile:       pool.Profile(),
		RemoteAddress: address,
		Comment:       comment,
	}); err != nil {
		m.log.WithError(err).WithField("username", username).Error("failed to add VPN account")
		return nil, err
	}

	m.log.WithFields(logrus.Fields{"username": username, "address": address, "site": pool.Name()}).Info("VPN account added")
	return &AddResult{
		Username:          username,
		Password:          password,
		PasswordGenerated: generated,
		Address:           address,
		Site:              pool.Name(),
		Profile:           pool.Profile(),
		Message:           fmt.Sprintf("user %s added with address %s", username, address),
	}, nil
}

// Remove deletes an account. Removing an absent account succeeds.
func (m *Manager) Remove(ctx context.Context, username string) (*Result, error) {
	const op = "vpn.remove"

	username = NormalizeUsername(username)
	if err := validateUsername(op, username); err != nil {
		return nil, err
	}

	secret, err := m.findSecret(ctx, username)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return &Result{Success: true, Message: fmt.Sprintf("user %s does not exist, nothing to do", username)}, nil
	}

	removed, err := m.repo.RemoveSecret(ctx, secret.Name)
	if err != nil {
		m.log.WithError(err).WithField("username", username).Error("failed to remove VPN account")
		return nil, err
	}
	if !removed {
		return &Result{Success: true, Message: fmt.Sprintf("user %s does not exist, nothing to do", username)}, nil
	}

	m.log.WithField("username", username).Info("VPN account removed")
	return &Result{Success: true, Message: fmt.Sprintf("user %s removed", username)}, nil
}

// ChangePassword sets a new password for an existing account.
func (m *Manager) ChangePassword(ctx context.Context, username, password string) (*Result, error) {
	const op = "vpn.change_password"

	username = NormalizeUsername(username)
	if err := validateUsername(op, username); err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, errs.Validation(op, "password must be at least %d characters", MinPasswordLength)
	}

	secret, err := m.findSecret(ctx, username)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errs.NotFound(op, "user %s does not exist", username)
	}

	if err := m.repo.SetPassword(ctx, secret.Name, password); err != nil {
		return nil, err
	}
	m.log.WithField("username", username).Info("VPN account password changed")
	return &Result{Success: true, Message: fmt.Sprintf("password changed for %s", username)}, nil
}

// Disconnect drops the active session of username. It fails when the user is not connected.
func (m *Manager) Disconnect(ctx context.Context, username string) (*Result, error) {
	const op = "vpn.disconnect"

	username = NormalizeUsername(username)
	if err := validateUsername(op, username); err != nil {
		return nil, err
	}

	sessions, err := m.repo.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	var session *Session
	for i := range sessions {
		if NormalizeUsername(sessions[i].Name) == username {
			session = &sessions[i]
			break
		}
	}
	if session == nil {
		return nil, errs.NotFound(op, "user %s has no active session", username)
	}

	if err := m.repo.Disconnect(ctx, session.Name); err != nil {
		return nil, err
	}
	m.log.WithField("username", username).Info("VPN session disconnected")
	return &Result{Success: true, Message: fmt.Sprintf("user %s disconnected", username)}, nil
}

// NextAvailableAddress returns the first free address of site.
func (m *Manager) NextAvailableAddress(ctx context.Context, site string) (string, error) {
	const op = "vpn.next_address"

	pool, ok := m.pools[site]
	if !ok {
		return "", errs.Validation(op, "unknown site %q", site)
	}
	secrets, err := m.repo.Secrets(ctx)
	if err != nil {
		return "", err
	}
	next, ok := pool.Next(assignedAddresses(secrets))
	if !ok {
		return "", errs.Conflict(op, "no addresses available in site %s", site)
	}
	return next, nil
}

// List returns all configured accounts with their online state.
func (m *Manager) List(ctx context.Context) ([]Account, error) {
	secrets, err := m.repo.Secrets(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := m.repo.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	online := map[string]bool{}
	for _, s := range sessions {
		online[NormalizeUsername(s.Name)] = true
	}

	accounts := make([]Account, 0, len(secrets))
	for _, s := range secrets {
		acc := m.toAccount(s)
		acc.Online = online[acc.Username]
		accounts = append(accounts, acc)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Username < accounts[j].Username })
	return accounts, nil
}

// ActiveSessions returns the currently connected peers.
func (m *Manager) ActiveSessions(ctx context.Context) ([]Session, error) {
	return m.repo.Sessions(ctx)
}

// Stats reports whether username is connected, only configured, or unknown.
func (m *Manager) Stats(ctx context.Context, username string) (*AccountStats, error) {
	username = NormalizeUsername(username)
	stats := &AccountStats{Username: username, Status: StatusNotFound}

	sessions, err := m.repo.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if NormalizeUsername(sessions[i].Name) == username {
			stats.Status = StatusConnected
			stats.Session = &sessions[i]
			break
		}
	}

	secret, err := m.findSecret(ctx, username)
	if err != nil {
		return nil, err
	}
	if secret != nil {
		acc := m.toAccount(*secret)
		acc.Online = stats.Session != nil
		stats.Account = &acc
		if stats.Status == StatusNotFound {
			stats.Status = StatusConfigured
		}
	}
	return stats, nil
}

// Status summarizes accounts and per-site address availability.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	secrets, err := m.repo.Secrets(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := m.repo.Sessions(ctx)
	if err != nil {
		return nil, err
	}

	assigned := assignedAddresses(secrets)
	sites := make(map[string]network.PoolInfo, len(m.pools))
	for name, pool := range m.pools {
		sites[name] = pool.Info(assigned)
	}
	return &Status{
		TotalAccounts:  len(secrets),
		ActiveSessions: len(sessions),
		Sites:          sites,
		SiteNames:      m.pools.Names(),
	}, nil
}

// TestConnection checks that the router answers.
func (m *Manager) TestConnection(ctx context.Context) (string, error) {
	return m.repo.Identity(ctx)
}

func (m *Manager) findSecret(ctx context.Context, username string) (*Secret, error) {
	secrets, err := m.repo.Secrets(ctx)
	if err != nil {
		return nil, err
	}
	for i := range secrets {
		if NormalizeUsername(secrets[i].Name) == username {
			return &secrets[i], nil
		}
	}
	return nil, nil
}

func (m *Manager) toAccount(s Secret) Account {
	acc := Account{
		Username: NormalizeUsername(s.Name),
		Profile:  s.Profile,
		Address:  s.RemoteAddress,
		Comment:  s.Comment,
		Disabled: s.Disabled,
	}
	if pool, ok := m.pools.ForProfile(s.Profile); ok {
		acc.Site = pool.Name()
	} else if pool, ok := m.pools.ForAddress(s.RemoteAddress); ok {
		acc.Site = pool.Name()
	}
	return acc
}

func assignedAddresses(secrets []Secret) map[string]bool {
	assigned := make(map[string]bool, len(secrets))
	for _, s := range secrets {
		if s.RemoteAddress != "" {
			assigned[s.RemoteAddress] = true
		}
	}
	return assigned
}

// GeneratePassword returns a random password drawn from letters, digits and symbols.
func GeneratePassword(length int) (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b), nil
}
