package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/praxio/localcore/internal/adapter/metrics"
	"github.com/praxio/localcore/internal/domain"
)

// RoleOwner always evaluates to allowed without consulting the flattened
// permission set.
const RoleOwner = "practice_owner"

// allResources is the catalog of resource nouns the permission matrix
// ranges over.
var allResources = []string{
	"pet", "client", "appointment", "medical_record", "treatment",
	"invoice", "payment", "inventory_item", "staff", "report",
	"practice_setting", "tenant_setting",
}

// clinicalResources are the clinical/business entities an operational-tier
// role may fully manage.
var clinicalResources = []string{
	"pet", "client", "appointment", "medical_record", "treatment",
	"invoice", "payment", "inventory_item",
}

// frontDeskResources are the scheduling/client entities a front-desk role
// may work with.
var frontDeskResources = []string{"pet", "client", "appointment", "invoice"}

// Permissions is the per-user permission cache and evaluator for one tenant
// scope. The cache entry is rebuilt wholesale on every refresh, never
// partially patched.
type Permissions struct {
	scope       domain.TenantScope
	userID      string
	primaryRole string
	provider    domain.IdentityProvider
	ttl         time.Duration
	logger      *slog.Logger
	metrics     *metrics.CoreMetrics

	mu        sync.RWMutex
	roles     []domain.Role
	flattened map[string]struct{}
	expiresAt time.Time
}

// NewPermissions creates an evaluator for one user within one scope.
// primaryRole is the user's role label from the identity provider or cached
// session; it seeds the synthetic-role fallback and the owner fast path.
func NewPermissions(scope domain.TenantScope, userID, primaryRole string, provider domain.IdentityProvider,
	ttl time.Duration, logger *slog.Logger, m *metrics.CoreMetrics) *Permissions {
	return &Permissions{
		scope:       scope,
		userID:      userID,
		primaryRole: strings.ToLower(primaryRole),
		provider:    provider,
		ttl:         ttl,
		logger:      logger.With("component", "permission_cache", "user_id", userID),
		metrics:     m,
	}
}

// Refresh rebuilds the cache from the identity provider. A user with zero
// explicit assignments gets exactly one role synthesized from the primary
// role label. When the provider is unreachable (offline), the synthesized
// role is used as well so the user keeps working; the cache expiry still
// applies and a later refresh replaces it.
func (p *Permissions) Refresh(ctx context.Context) error {
	assignments, err := p.provider.FetchRoleAssignments(ctx, p.userID, p.scope.TenantID, p.scope.PracticeID)
	if err != nil {
		var network *domain.NetworkError
		if !errors.As(err, &network) {
			return fmt.Errorf("failed to fetch role assignments: %w", err)
		}
		p.logger.Warn("role assignments unreachable, synthesizing from primary role", "error", err)
		assignments = nil
	}

	var roles []domain.Role
	for _, a := range assignments {
		roles = append(roles, domain.Role{
			ID:          a.RoleID,
			Name:        strings.ToLower(a.RoleName),
			Permissions: a.Permissions,
		})
	}
	if len(roles) == 0 {
		roles = []domain.Role{synthesizeRole(p.primaryRole)}
	}

	flattened := make(map[string]struct{})
	for _, role := range roles {
		for _, perm := range role.Permissions {
			if !perm.Granted {
				continue
			}
			flattened[permKey(perm.Resource, perm.Action)] = struct{}{}
		}
	}

	p.mu.Lock()
	p.roles = roles
	p.flattened = flattened
	p.expiresAt = time.Now().Add(p.ttl)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PermissionRefreshes.Inc()
	}
	p.logger.Debug("permission cache rebuilt", "roles", len(roles), "permissions", len(flattened))
	return nil
}

// Can reports whether the user may perform action on resource. The owner
// role short-circuits to true; everything else is an O(1) membership check
// against the flattened set. Resource names are normalized, so "pets" and
// "Pet" match the "pet" grants. Reads never block on a refresh: the best
// currently cached answer is returned.
func (p *Permissions) Can(resource, action string) bool {
	allowed := p.evaluate(resource, action)
	if p.metrics != nil {
		if allowed {
			p.metrics.PermissionChecks.WithLabelValues("allowed").Inc()
		} else {
			p.metrics.PermissionChecks.WithLabelValues("denied").Inc()
		}
	}
	return allowed
}

func (p *Permissions) evaluate(resource, action string) bool {
	if p.primaryRole == RoleOwner {
		return true
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.hasRoleLocked(RoleOwner) {
		return true
	}
	_, ok := p.flattened[permKey(resource, action)]
	return ok
}

// HasRole reports membership in the cached role-name list, the primary
// role label included.
func (p *Permissions) HasRole(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasRoleLocked(strings.ToLower(name))
}

func (p *Permissions) hasRoleLocked(name string) bool {
	if name == p.primaryRole {
		return true
	}
	for _, role := range p.roles {
		if role.Name == name {
			return true
		}
	}
	return false
}

// IsCacheValid reports whether the entry has been built and not yet
// expired. Callers use it to decide when to refresh proactively.
func (p *Permissions) IsCacheValid() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flattened != nil && time.Now().Before(p.expiresAt)
}

// AllPermissions returns the flattened, deduplicated permission keys,
// normalized as resource:action.
func (p *Permissions) AllPermissions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.flattened))
	for k := range p.flattened {
		out = append(out, k)
	}
	return out
}

// synthesizeRole maps a primary role label to a full permission matrix.
// The fallback is deliberately permissive for known labels so a user whose
// explicit assignments are missing keeps working offline; unknown labels
// get read-only.
func synthesizeRole(label string) domain.Role {
	role := domain.Role{ID: "synthetic-" + label, Name: label, Synthetic: true}

	grant := func(resources []string, actions ...string) {
		for _, resource := range resources {
			for _, action := range actions {
				role.Permissions = append(role.Permissions, domain.Permission{
					Resource: resource,
					Action:   action,
					Granted:  true,
				})
			}
		}
	}

	switch label {
	case RoleOwner, "practice_admin", "administrator":
		for _, resource := range allResources {
			if resource == "tenant_setting" {
				continue
			}
			grant([]string{resource},
				domain.ActionCreate, domain.ActionRead, domain.ActionUpdate, domain.ActionDelete, domain.ActionManage)
		}
	case "veterinarian", "technician":
		grant(clinicalResources,
			domain.ActionCreate, domain.ActionRead, domain.ActionUpdate, domain.ActionDelete)
		grant([]string{"staff", "report"}, domain.ActionRead)
	case "receptionist":
		grant(frontDeskResources, domain.ActionCreate, domain.ActionRead, domain.ActionUpdate)
		grant([]string{"medical_record", "treatment"}, domain.ActionRead)
	default:
		grant(allResources, domain.ActionRead)
	}
	return role
}

func permKey(resource, action string) string {
	return normalizeResource(resource) + ":" + strings.ToLower(action)
}

// normalizeResource lowercases and singularizes a resource noun once at the
// evaluator boundary, so "Pets", "pets" and "pet" all address the same
// grants.
func normalizeResource(resource string) string {
	r := strings.ToLower(strings.TrimSpace(resource))
	switch {
	case strings.HasSuffix(r, "ies"):
		return strings.TrimSuffix(r, "ies") + "y"
	case strings.HasSuffix(r, "ses"):
		return strings.TrimSuffix(r, "es")
	case strings.HasSuffix(r, "s") && !strings.HasSuffix(r, "ss"):
		return strings.TrimSuffix(r, "s")
	default:
		return r
	}
}
