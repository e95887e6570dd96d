package loom

import "net/http"

// Identity is the capability handlers see for the authenticated
// principal. Concrete identities (JWT-derived, API-key-derived) are
// supplied by external collaborators such as the jwtauth package.
type Identity interface {
	// Sub returns the subject identifier.
	Sub() string

	// Roles returns the roles carried by the identity.
	Roles() []string

	// Email returns the email claim, empty when absent.
	Email() string

	// Claims returns the raw claims, nil when the provider has none.
	Claims() map[string]any
}

// NoIdentity is the sentinel for "no identity present". Routes without
// an identity requirement see it in their guard context.
type NoIdentity struct{}

func (NoIdentity) Sub() string            { return "" }
func (NoIdentity) Roles() []string        { return nil }
func (NoIdentity) Email() string          { return "" }
func (NoIdentity) Claims() map[string]any { return nil }

// IdentityProvider builds an Identity from request parts. A failed
// extraction returns a Reject carrying the provider's error response,
// typically 401.
type IdentityProvider interface {
	Extract(r *http.Request) (Identity, *Reject)
}

// HasAnyRole reports whether the identity carries at least one of the
// wanted roles.
func HasAnyRole(id Identity, wanted []string) bool {
	if id == nil {
		return false
	}
	have := id.Roles()
	for _, w := range wanted {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}
