package server

import (
	"encoding/json"
	"net/http"
)

// protectedResourceMetadata is the JSON body served at
// /.well-known/oauth-protected-resource, advertising where clients should
// go to obtain a token for this resource.
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// NewProtectedResourceHandler returns the handler for the OAuth
// protected-resource metadata endpoint. It is mounted outside the auth
// middleware group, same as /healthz and /metrics.
func NewProtectedResourceHandler(resource string, authServers, scopes []string) http.Handler {
	body, _ := json.Marshal(protectedResourceMetadata{
		Resource:             resource,
		AuthorizationServers: authServers,
		ScopesSupported:      scopes,
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = jsonCT
		w.Write(body)
	})
}
