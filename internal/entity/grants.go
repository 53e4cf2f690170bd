package entity

// GrantSet is the permission grant loaded for an actor within a tenant.
// Permission names feed the ABAC evaluation input as ctx.permissions.
type GrantSet struct {
	TenantID    string   `json:"tenant_id"`
	ActorID     string   `json:"actor_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// Has reports whether the grant includes a permission.
func (g *GrantSet) Has(permission string) bool {
	for _, p := range g.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// TenantSettings are per-tenant pipeline constraints, consulted by the
// validate stage and by ABAC input construction.
type TenantSettings struct {
	TenantID            string   `json:"tenant_id"`
	AllowedContentTypes []string `json:"allowed_content_types"`
	MaxSizeBytes        int64    `json:"max_size_bytes"`
	OCREnabled          bool     `json:"ocr_enabled"`
}

// AllowsContentType reports whether the tenant accepts a content type. An
// empty allow-list means everything the platform supports is accepted.
func (s *TenantSettings) AllowsContentType(ct string) bool {
	if len(s.AllowedContentTypes) == 0 {
		return true
	}
	for _, allowed := range s.AllowedContentTypes {
		if allowed == ct {
			return true
		}
	}
	return false
}
