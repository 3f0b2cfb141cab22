package consent

import (
	"fmt"
	"strings"

	"hushh/internal/domain"
)

const scopeAll = "all"

// Satisfies reports whether a token granting granted may be used where
// required is expected.
//
//	vault.owner      covers every vault.* scope
//	vault.write.all  covers vault.write.<c>, vault.read.all and vault.read.<c>
//	vault.read.all   covers vault.read.<c>
//	vault.write.<c>  covers vault.read.<c>
//
// Every other scope covers only itself.
func Satisfies(granted, required domain.Scope) bool {
	if granted == required {
		return true
	}
	if granted == domain.ScopeVaultOwner {
		return strings.HasPrefix(string(required), "vault.")
	}
	ga, gc, ok := granted.VaultParts()
	if !ok {
		return false
	}
	ra, rc, ok := required.VaultParts()
	if !ok {
		return false
	}
	switch {
	case ga == domain.AccessWrite && gc == scopeAll:
		return true
	case ga == domain.AccessRead && gc == scopeAll:
		return ra == domain.AccessRead
	case ga == domain.AccessWrite && gc == rc:
		return ra == domain.AccessRead
	}
	return false
}

// Narrowest returns the smallest vault scope granting access to resources
// of the given type.
func Narrowest(access, resourceType string) (domain.Scope, error) {
	if access != domain.AccessRead && access != domain.AccessWrite {
		return "", domain.NewError(domain.KindInvalidScope, fmt.Sprintf("unknown access %q", access))
	}
	s := domain.VaultScope(access, resourceType)
	if !s.Valid() || resourceType == scopeAll {
		return "", domain.NewError(domain.KindInvalidScope, fmt.Sprintf("no vault scope for resource type %q", resourceType))
	}
	return s, nil
}
