package credentials

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/relaymux/acctproxy/internal/account"
)

func TestParseOrdersAccountsByDocumentKeyOrder(t *testing.T) {
	raw := []byte(`{
		"version": 1,
		"accounts": {
			"zulu": {"accessToken": "za", "refreshToken": "zr", "expiresAt": 1},
			"alpha": {"accessToken": "aa", "refreshToken": "ar", "expiresAt": 2}
		}
	}`)

	accounts, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("len(accounts) = %d, want 2", len(accounts))
	}
	if accounts[0].Name != "zulu" || accounts[1].Name != "alpha" {
		t.Errorf("order = [%s %s], want [zulu alpha] (document key order)", accounts[0].Name, accounts[1].Name)
	}
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	raw := []byte(`{"version": 2, "accounts": {}}`)
	_, err := Parse(raw)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestParseRejectsInvalidAccountName(t *testing.T) {
	raw := []byte(`{"version": 1, "accounts": {"Has Spaces": {"accessToken": "a", "refreshToken": "r", "expiresAt": 1}}}`)
	_, err := Parse(raw)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestParseRejectsEmptyTokenFields(t *testing.T) {
	cases := []string{
		`{"version": 1, "accounts": {"a": {"accessToken": "", "refreshToken": "r", "expiresAt": 1}}}`,
		`{"version": 1, "accounts": {"a": {"accessToken": "a", "refreshToken": "", "expiresAt": 1}}}`,
		`{"version": 1, "accounts": {"a": {"accessToken": "a", "refreshToken": "r", "expiresAt": 0}}}`,
	}
	for _, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%s) error = nil, want ValidationError", raw)
		}
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestRenderIsDeterministicAcrossRuns(t *testing.T) {
	accounts := []*account.Account{
		{Name: "b", AccessToken: "ba", RefreshToken: "br", ExpiresAt: 2},
		{Name: "a", AccessToken: "aa", RefreshToken: "ar", ExpiresAt: 1},
	}
	first, err := Render(accounts)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := Render(accounts)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("Render() is not deterministic across calls")
	}
}

func TestSaveLoadRoundTripPreservesAccounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	accounts := []*account.Account{
		{Name: "a", AccessToken: "aa", RefreshToken: "ar", ExpiresAt: 100, State: account.StateAvailable},
		{Name: "b", AccessToken: "ba", RefreshToken: "br", ExpiresAt: 200, State: account.StateRateLimited},
	}

	if _, err := Save(path, accounts); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, raw, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("len(loaded) = %d, want 2", len(loaded))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("re-decoding saved document: %v", err)
	}
	if len(doc.Accounts) != 2 {
		t.Errorf("saved document has %d accounts, want 2", len(doc.Accounts))
	}
}

func TestHashIsStableForIdenticalContent(t *testing.T) {
	raw := []byte(`{"version":1,"accounts":{}}`)
	if Hash(raw) != Hash(raw) {
		t.Error("Hash() is not stable for identical input")
	}
	if Hash(raw) == Hash([]byte(`{"version":1,"accounts":{"a":1}}`)) {
		t.Error("Hash() collided for different inputs")
	}
}
