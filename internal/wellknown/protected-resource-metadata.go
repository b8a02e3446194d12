// Package wellknown holds documents served under /.well-known/.
package wellknown

// ProtectedResourcePath is where ProtectedResourceMetadata is served.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 document describing how
// bearer tokens are presented to the gateway.
type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// ForResource describes a gateway at resource that accepts tokens signed
// with algs in the Authorization header. issuer, when set, is advertised as
// the authorization server.
func ForResource(resource, issuer, name string, algs ...string) ProtectedResourceMetadata {
	md := ProtectedResourceMetadata{
		Resource:                          resource,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: algs,
		ResourceName:                      name,
	}
	if issuer != "" {
		md.AuthorizationServers = []string{issuer}
	}
	return md
}
