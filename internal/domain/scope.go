package domain

// TenantScope identifies the tenant/practice partition a record belongs to.
// Every persisted record and cache entry is keyed under exactly one scope;
// components hold their scope as an explicit value, never as process state.
type TenantScope struct {
	TenantID   string `json:"tenant_id"`
	PracticeID string `json:"practice_id"`
}

// IsZero reports whether the scope is missing either partition axis.
func (s TenantScope) IsZero() bool {
	return s.TenantID == "" || s.PracticeID == ""
}

func (s TenantScope) String() string {
	return s.TenantID + "/" + s.PracticeID
}
