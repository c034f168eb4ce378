package license

import (
	"path/filepath"
	"testing"
	"time"
)

var testSecret = []byte("unit-test-secret")

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "licenses.json"), testSecret, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func futureDate() string {
	return time.Now().UTC().AddDate(1, 0, 0).Format("2006-01-02")
}

func TestNewManagerSeedsAdminKey(t *testing.T) {
	m := newTestManager(t)
	licenses := m.List()
	if len(licenses) != 1 {
		t.Fatalf("licenses = %d, want 1", len(licenses))
	}
	for key, rec := range licenses {
		if rec.UserType != UserTypeAdmin || rec.MACAddress != AnyMAC {
			t.Fatalf("seed record = %+v", rec)
		}
		v := m.Validate(key)
		if !v.Valid || v.UserType != UserTypeAdmin {
			t.Fatalf("seed key invalid: %+v", v)
		}
	}
}

func TestGenerateAndValidate(t *testing.T) {
	m := newTestManager(t)
	expiry := futureDate()
	key, err := m.Generate("Site Ops", AnyMAC, expiry, UserTypeRegular)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.Add(key, Record{Name: "Site Ops", MACAddress: AnyMAC, ExpiryDate: expiry, UserType: UserTypeRegular}); err != nil {
		t.Fatalf("add: %v", err)
	}

	v := m.Validate(key)
	if !v.Valid {
		t.Fatalf("validation failed: %s", v.Reason)
	}
	if v.Name != "Site Ops" || v.UserType != UserTypeRegular {
		t.Fatalf("validation = %+v", v)
	}
	if v.MACBound {
		t.Fatalf("ANY license reported as MAC-bound")
	}
}

func TestValidateExpired(t *testing.T) {
	m := newTestManager(t)
	key, err := m.Generate("Old User", AnyMAC, "2020-01-01", UserTypeRegular)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.Add(key, Record{Name: "Old User", MACAddress: AnyMAC, ExpiryDate: "2020-01-01"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	v := m.Validate(key)
	if v.Valid {
		t.Fatalf("expired key validated")
	}
	if v.Reason != "license expired" {
		t.Fatalf("reason = %q", v.Reason)
	}
}

func TestValidateUnknownKey(t *testing.T) {
	m := newTestManager(t)
	// Correctly signed but never registered in the database.
	key, err := m.Generate("Ghost", AnyMAC, futureDate(), UserTypeRegular)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	v := m.Validate(key)
	if v.Valid {
		t.Fatalf("unregistered key validated")
	}
	if v.Reason != "license key not recognized" {
		t.Fatalf("reason = %q", v.Reason)
	}
}

func TestValidateRevokedKey(t *testing.T) {
	m := newTestManager(t)
	key, err := m.Generate("Revoked", AnyMAC, futureDate(), UserTypeRegular)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.Add(key, Record{Name: "Revoked", MACAddress: AnyMAC}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !m.Validate(key).Valid {
		t.Fatalf("key invalid before revocation")
	}
	if err := m.Remove(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.Validate(key).Valid {
		t.Fatalf("revoked key still valid")
	}
}

func TestValidateWrongMachine(t *testing.T) {
	m := newTestManager(t)
	// Locally administered address that no real adapter carries.
	key, err := m.Generate("Bound User", "02:00:5E:10:00:01", futureDate(), UserTypeRegular)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.Add(key, Record{Name: "Bound User", MACAddress: "02005E100001"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	v := m.Validate(key)
	if v.Valid {
		t.Fatalf("foreign MAC validated")
	}
	if !v.MACBound {
		t.Fatalf("expected MAC-bound validation")
	}
	if v.Reason != "license is not valid for this machine" {
		t.Fatalf("reason = %q", v.Reason)
	}
}

func TestValidateGarbageKey(t *testing.T) {
	m := newTestManager(t)
	v := m.Validate("not-a-jwt")
	if v.Valid || v.Reason != "invalid license key" {
		t.Fatalf("validation = %+v", v)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Generate("", AnyMAC, futureDate(), UserTypeRegular); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if _, err := m.Generate("X", AnyMAC, "31-12-2030", UserTypeRegular); err == nil {
		t.Fatalf("expected error for bad date")
	}
	if _, err := m.Generate("X", "zz:zz:zz", futureDate(), UserTypeRegular); err == nil {
		t.Fatalf("expected error for bad MAC")
	}
}

func TestNormalizeMAC(t *testing.T) {
	cases := []struct{ in, want string }{
		{"aa:bb:cc:dd:ee:ff", "AABBCCDDEEFF"},
		{"AA-BB-CC-DD-EE-FF", "AABBCCDDEEFF"},
		{"aabb.ccdd.eeff", "AABBCCDDEEFF"},
		{" any ", AnyMAC},
	}
	for _, c := range cases {
		if got := NormalizeMAC(c.in); got != c.want {
			t.Fatalf("NormalizeMAC(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "licenses.json")
	m, err := NewManager(path, testSecret, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	key, err := m.Generate("Persistent", AnyMAC, futureDate(), UserTypeRegular)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.Add(key, Record{Name: "Persistent", MACAddress: AnyMAC}); err != nil {
		t.Fatalf("add: %v", err)
	}

	reopened, err := NewManager(path, testSecret, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.Validate(key).Valid {
		t.Fatalf("key lost on reopen")
	}
}
