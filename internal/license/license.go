// Package license implements the MAC-bound, expiring license check. A
// license key is a signed HS256 token carrying the holder's name, the bound
// MAC address (or ANY) and an expiry date; keys are additionally tracked in
// a JSON database so individual keys can be revoked.
package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	UserTypeAdmin   = "admin"
	UserTypeRegular = "regular"

	// AnyMAC marks a license valid on every machine.
	AnyMAC = "ANY"
)

type Record struct {
	Name        string `json:"name"`
	MACAddress  string `json:"mac_address"`
	ExpiryDate  string `json:"expiry_date"`
	CreatedDate string `json:"created_date"`
	UserType    string `json:"user_type"`
}

type Validation struct {
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason"`
	Name     string `json:"name,omitempty"`
	UserType string `json:"user_type,omitempty"`
	Expires  string `json:"expires,omitempty"`
	MACBound bool   `json:"mac_bound"`
}

type claims struct {
	Name     string `json:"name"`
	MAC      string `json:"mac"`
	UserType string `json:"user_type"`
	jwt.RegisteredClaims
}

type fileFormat struct {
	Licenses map[string]Record `json:"licenses"`
}

type Manager struct {
	mu       sync.Mutex
	path     string
	secret   []byte
	licenses map[string]Record
	logger   *slog.Logger
}

func NewManager(path string, secret []byte, logger *slog.Logger) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.New("license secret is empty")
	}
	m := &Manager{
		path:     path,
		secret:   secret,
		licenses: make(map[string]Record),
		logger:   logger,
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := m.createDefaultFile(); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("parse license file %s: %w", m.path, err)
	}
	if ff.Licenses != nil {
		m.licenses = ff.Licenses
	}
	return nil
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(fileFormat{Licenses: m.licenses}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}

// createDefaultFile seeds a fresh database with one admin master key bound
// to no machine. The key is logged once so the operator can capture it.
func (m *Manager) createDefaultFile() error {
	key, err := m.Generate("Administrator", AnyMAC, "2099-12-31", UserTypeAdmin)
	if err != nil {
		return err
	}
	m.licenses[key] = Record{
		Name:        "Administrator",
		MACAddress:  AnyMAC,
		ExpiryDate:  "2099-12-31",
		CreatedDate: time.Now().UTC().Format("2006-01-02"),
		UserType:    UserTypeAdmin,
	}
	if err := m.save(); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.Info("created default license database", "path", m.path, "admin_key", key)
	}
	return nil
}

// Generate signs a new license key. expiryDate is YYYY-MM-DD; the key
// expires at the end of that day, UTC.
func (m *Manager) Generate(name, macAddress, expiryDate, userType string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("license name is required")
	}
	expiry, err := time.ParseInLocation("2006-01-02", expiryDate, time.UTC)
	if err != nil {
		return "", fmt.Errorf("invalid expiry date %q: %w", expiryDate, err)
	}
	mac := NormalizeMAC(macAddress)
	if mac != AnyMAC && !validMAC(mac) {
		return "", fmt.Errorf("invalid MAC address %q", macAddress)
	}
	if userType == "" {
		userType = UserTypeRegular
	}
	c := claims{
		Name:     name,
		MAC:      mac,
		UserType: userType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(expiry.Add(24*time.Hour - time.Second)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}

// Add registers a generated key in the database so it survives restarts and
// can later be revoked.
func (m *Manager) Add(key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.licenses[key] = rec
	return m.save()
}

func (m *Manager) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.licenses[key]; !ok {
		return errors.New("license key not found")
	}
	delete(m.licenses, key)
	return m.save()
}

// List returns a copy of the license database.
func (m *Manager) List() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.licenses))
	for k, v := range m.licenses {
		out[k] = v
	}
	return out
}

// Validate checks signature, expiry, revocation and MAC binding.
func (m *Manager) Validate(key string) Validation {
	var c claims
	token, err := jwt.ParseWithClaims(key, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Validation{Reason: "license expired"}
		}
		return Validation{Reason: "invalid license key"}
	}
	if !token.Valid {
		return Validation{Reason: "invalid license key"}
	}

	m.mu.Lock()
	_, known := m.licenses[key]
	m.mu.Unlock()
	if !known {
		return Validation{Reason: "license key not recognized"}
	}

	v := Validation{
		Name:     c.Name,
		UserType: c.UserType,
		MACBound: c.MAC != AnyMAC,
	}
	if c.ExpiresAt != nil {
		v.Expires = c.ExpiresAt.UTC().Format("2006-01-02")
	}
	if c.MAC != AnyMAC && !macMatchesMachine(c.MAC, MachineMACs()) {
		v.Reason = "license is not valid for this machine"
		return v
	}
	v.Valid = true
	v.Reason = "license is valid"
	return v
}

// MachineMACs lists the hardware addresses of this machine's interfaces,
// normalized to uppercase hex without separators.
func MachineMACs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		mac := NormalizeMAC(iface.HardwareAddr.String())
		if validMAC(mac) {
			macs = append(macs, mac)
		}
	}
	return macs
}

func macMatchesMachine(mac string, machineMACs []string) bool {
	for _, m := range machineMACs {
		if m == mac {
			return true
		}
	}
	return false
}

// NormalizeMAC strips separators and uppercases, so AA:BB:CC:DD:EE:FF,
// aa-bb-cc-dd-ee-ff and AABBCCDDEEFF compare equal.
func NormalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	if mac == AnyMAC {
		return AnyMAC
	}
	replacer := strings.NewReplacer(":", "", "-", "", ".", "")
	return replacer.Replace(mac)
}

func validMAC(mac string) bool {
	if len(mac) != 12 {
		return false
	}
	for _, r := range mac {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
