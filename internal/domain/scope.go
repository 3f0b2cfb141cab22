package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Scope names one permission a user can grant to an agent.
type Scope string

const (
	ScopeVaultOwner    Scope = "vault.owner"
	ScopeVaultReadAll  Scope = "vault.read.all"
	ScopeVaultWriteAll Scope = "vault.write.all"

	ScopeVaultReadEmail     Scope = "vault.read.email"
	ScopeVaultWriteEmail    Scope = "vault.write.email"
	ScopeVaultReadCalendar  Scope = "vault.read.calendar"
	ScopeVaultWriteCalendar Scope = "vault.write.calendar"
	ScopeVaultReadFinance   Scope = "vault.read.finance"
	ScopeVaultWriteFinance  Scope = "vault.write.finance"
	ScopeVaultReadResearch  Scope = "vault.read.research"
	ScopeVaultWriteResearch Scope = "vault.write.research"
	ScopeVaultReadFile      Scope = "vault.read.file"
	ScopeVaultWriteFile     Scope = "vault.write.file"

	ScopeEmailSend      Scope = "agent.email.send"
	ScopeCalendarWrite  Scope = "agent.calendar.write"
	ScopeFinanceAnalyze Scope = "agent.finance.analyze"
	ScopeResearchQuery  Scope = "agent.research.query"
)

// Vault access verbs.
const (
	AccessRead  = "read"
	AccessWrite = "write"
)

// VaultCategories are the resource categories with per-category vault scopes.
var VaultCategories = []string{"email", "calendar", "finance", "research", "file"}

var knownScopes = map[Scope]bool{
	ScopeVaultOwner:         true,
	ScopeVaultReadAll:       true,
	ScopeVaultWriteAll:      true,
	ScopeVaultReadEmail:     true,
	ScopeVaultWriteEmail:    true,
	ScopeVaultReadCalendar:  true,
	ScopeVaultWriteCalendar: true,
	ScopeVaultReadFinance:   true,
	ScopeVaultWriteFinance:  true,
	ScopeVaultReadResearch:  true,
	ScopeVaultWriteResearch: true,
	ScopeVaultReadFile:      true,
	ScopeVaultWriteFile:     true,
	ScopeEmailSend:          true,
	ScopeCalendarWrite:      true,
	ScopeFinanceAnalyze:     true,
	ScopeResearchQuery:      true,
}

// Valid reports whether s is one of the recognized scopes.
func (s Scope) Valid() bool {
	return knownScopes[s]
}

// ParseScope returns the scope named by raw or an InvalidScope error.
func ParseScope(raw string) (Scope, error) {
	s := Scope(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", NewError(KindInvalidScope, fmt.Sprintf("unknown scope %q", raw))
	}
	return s, nil
}

// KnownScopes returns all recognized scopes sorted by name.
func KnownScopes() []Scope {
	out := make([]Scope, 0, len(knownScopes))
	for s := range knownScopes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VaultScope builds vault.<access>.<category>. The result may be unknown if
// category is not one of VaultCategories.
func VaultScope(access, category string) Scope {
	return Scope("vault." + access + "." + category)
}

// VaultParts splits a vault scope into access verb and category. ok is false
// for non-vault scopes and for vault.owner.
func (s Scope) VaultParts() (access, category string, ok bool) {
	parts := strings.Split(string(s), ".")
	if len(parts) != 3 || parts[0] != "vault" {
		return "", "", false
	}
	if parts[1] != AccessRead && parts[1] != AccessWrite {
		return "", "", false
	}
	return parts[1], parts[2], true
}
