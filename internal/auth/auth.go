package auth

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
)

const (
	RoleDatasetWriter = "dataset_writer"
	RoleAnalyst       = "analyst"
	RoleAdmin         = "admin"
)

var knownRoles = []string{RoleDatasetWriter, RoleAnalyst, RoleAdmin}

// Identity is the caller behind an API key. OwnerID scopes sessions: a caller
// can only read sessions it created.
type Identity struct {
	OwnerID string
	Roles   []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type StaticAPIKeyValidator struct {
	keys map[string]Identity
}

// NewStaticAPIKeyValidator parses "key:owner:role|role,key2:owner2:role".
func NewStaticAPIKeyValidator(keySpec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{keys: map[string]Identity{}}
	keySpec = strings.TrimSpace(keySpec)
	if keySpec == "" {
		return validator, nil
	}

	for _, entry := range strings.Split(keySpec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:owner:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		owner := strings.TrimSpace(parts[1])
		if key == "" || owner == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/owner", entry)
		}
		if _, exists := validator.keys[key]; exists {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		roles := make([]string, 0, 2)
		for _, role := range strings.Split(strings.TrimSpace(parts[2]), "|") {
			role = strings.TrimSpace(role)
			if role == "" {
				continue
			}
			if !slices.Contains(knownRoles, role) {
				return nil, fmt.Errorf("invalid static key entry %q: unknown role %q", entry, role)
			}
			roles = append(roles, role)
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		sort.Strings(roles)
		validator.keys[key] = Identity{OwnerID: owner, Roles: roles}
	}

	return validator, nil
}

func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	identity, ok := v.keys[apiKey]
	return identity, ok
}
