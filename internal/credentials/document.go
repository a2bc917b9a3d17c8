// Package credentials parses, validates, and atomically serializes the
// on-disk credentials document that backs the account pool.
package credentials

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relaymux/acctproxy/internal/account"
)

// SupportedVersion is the only accepted value of the document's
// top-level "version" field.
const SupportedVersion = 1

// Document is the on-disk shape:
//
//	{
//	  "version": 1,
//	  "accounts": {
//	    "<name>": {"accessToken": "...", "refreshToken": "...", "expiresAt": 123}
//	  }
//	}
type Document struct {
	Version  int                        `json:"version"`
	Accounts map[string]DocumentAccount `json:"accounts"`
}

// DocumentAccount is one entry of the document's accounts map. Unknown
// fields are tolerated by encoding/json's default decode behavior; we
// never round-trip an unknown-fields bag, which is fine since only
// tolerance is required, not preservation.
type DocumentAccount struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// ValidationError describes why a document failed validation. The
// caller (the watcher, or a manual reload trigger) logs it and leaves
// the pool untouched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid credentials document: " + e.Reason }

// Parse decodes and validates raw document bytes into an ordered list of
// accounts. Order is the order names are encountered in the raw JSON
// object -- Go's encoding/json does not preserve map key order, so we
// re-derive it from a second decode pass into an ordered token stream.
func Parse(raw []byte) ([]*account.Account, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if doc.Version != SupportedVersion {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported version %d", doc.Version)}
	}

	order, err := accountKeyOrder(raw)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("re-reading account order: %v", err)}
	}

	seen := make(map[string]bool, len(doc.Accounts))
	accounts := make([]*account.Account, 0, len(doc.Accounts))
	for _, name := range order {
		da, ok := doc.Accounts[name]
		if !ok {
			continue
		}
		if seen[name] {
			return nil, &ValidationError{Reason: fmt.Sprintf("duplicate account name %q", name)}
		}
		seen[name] = true

		if !account.ValidName(name) {
			return nil, &ValidationError{Reason: fmt.Sprintf("invalid account name %q", name)}
		}
		if da.AccessToken == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("account %q: empty accessToken", name)}
		}
		if da.RefreshToken == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("account %q: empty refreshToken", name)}
		}
		if da.ExpiresAt <= 0 {
			return nil, &ValidationError{Reason: fmt.Sprintf("account %q: expiresAt must be positive", name)}
		}

		accounts = append(accounts, &account.Account{
			Name:         name,
			AccessToken:  da.AccessToken,
			RefreshToken: da.RefreshToken,
			ExpiresAt:    da.ExpiresAt,
			State:        account.StateAvailable,
			CreatedAt:    time.Now(),
		})
	}

	if len(accounts) != len(doc.Accounts) {
		// accountKeyOrder and doc.Accounts disagree in length -- a JSON
		// object with a repeated key landed differently in each decode
		// pass. Treat conservatively as a malformed document.
		return nil, &ValidationError{Reason: "inconsistent account key ordering"}
	}

	return accounts, nil
}

// accountKeyOrder re-scans raw JSON using json.Decoder's token stream to
// recover the original key order of the top-level "accounts" object,
// since encoding/json unmarshals maps without preserving order.
func accountKeyOrder(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth := 0
	inAccounts := false
	var order []string

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 1 && inAccounts {
					inAccounts = false
				}
			}
		case string:
			if depth == 1 && !inAccounts && t == "accounts" {
				inAccounts = true
				continue
			}
			if depth == 2 && inAccounts {
				order = append(order, t)
				// Skip the value token(s) for this key by relying on the
				// decoder's own bracket tracking on the next iterations;
				// nothing further to do here since we only want keys.
			}
		}
	}
	return order, nil
}

// Hash returns a stable content fingerprint used by the watcher's
// self-write suppression marker.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Render serializes accounts back into canonical document bytes, sorted
// by name for deterministic byte-for-byte output across runs (the
// in-memory rotation order is a pool concern, not a serialization one).
func Render(accounts []*account.Account) ([]byte, error) {
	doc := Document{
		Version:  SupportedVersion,
		Accounts: make(map[string]DocumentAccount, len(accounts)),
	}
	for _, a := range accounts {
		doc.Accounts[a.Name] = DocumentAccount{
			AccessToken:  a.AccessToken,
			RefreshToken: a.RefreshToken,
			ExpiresAt:    a.ExpiresAt,
		}
	}
	// encoding/json marshals map keys in sorted order, giving a
	// byte-identical document across runs for the same account set
	// (load -> save -> load must reproduce the same account set).
	return json.MarshalIndent(doc, "", "  ")
}

// Load reads and parses the document at path.
func Load(path string) ([]*account.Account, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := Parse(raw)
	if err != nil {
		return nil, raw, err
	}
	return accounts, raw, nil
}

// Save writes accounts to path atomically: a sibling temp file is
// written, fsynced, and renamed over the target. File mode is set to
// owner read/write only. Returns the raw bytes written, so the caller
// (the refresh scheduler) can hand the content hash to the watcher's
// self-write suppression marker.
func Save(path string, accounts []*account.Account) ([]byte, error) {
	raw, err := Render(accounts)
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure credentials directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("rename into place: %w", err)
	}

	success = true
	return raw, nil
}

// DefaultPath returns "~/.claude/accounts.json", the default
// credentials document location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude", "accounts.json")
}
