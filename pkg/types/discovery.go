// pkg/types/discovery.go
package types

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Role is the function an endpoint serves for a controller.
type Role string

const (
	RoleController Role = "controller"
	RoleWitness    Role = "witness"
	RoleWatcher    Role = "watcher"
	RoleMessagebox Role = "messagebox"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleController, RoleWitness, RoleWatcher, RoleMessagebox:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrMalformed, s)
}

// Scheme is the transport scheme of a location.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// LocationScheme maps an endpoint identity to a reachable address.
type LocationScheme struct {
	EID    string `json:"eid"`
	Scheme Scheme `json:"scheme"`
	URL    string `json:"url"`
}

// Validate checks that the record names an identity and a usable URL.
func (l LocationScheme) Validate() error {
	if l.EID == "" {
		return fmt.Errorf("%w: location without eid", ErrMalformed)
	}
	u, err := url.Parse(l.URL)
	if err != nil {
		return fmt.Errorf("%w: location url: %v", ErrMalformed, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: location url %q has no host", ErrMalformed, l.URL)
	}
	if l.Scheme != "" && string(l.Scheme) != u.Scheme {
		return fmt.Errorf("%w: scheme %q does not match url %q", ErrMalformed, l.Scheme, l.URL)
	}
	return nil
}

// EndRole states that EID serves Role for controller CID.
type EndRole struct {
	EID  string `json:"eid"`
	CID  string `json:"cid"`
	Role Role   `json:"role"`
}

// Reply routes.
const (
	RouteEndRoleAdd = "/end/role/add"
	RouteEndRoleCut = "/end/role/cut"
)

// Reply is an unanchored, signed statement by a controller.
type Reply struct {
	Route   string  `json:"r"`
	EndRole EndRole `json:"a"`
	Date    string  `json:"dt"`
}

// Bytes returns the signed serialization of the reply.
func (r *Reply) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// SignedReply is a Reply with the signature of one controller key.
type SignedReply struct {
	Reply     Reply  `json:"rpy"`
	Signer    string `json:"signer"`
	Signature string `json:"sig"`
}

// OOBIRecord is what an endpoint serves when asked to introduce an identity
// in a role: its own location and, for delegated roles, the controller's
// signed end role authorization.
type OOBIRecord struct {
	Location LocationScheme `json:"loc"`
	EndRole  *SignedReply   `json:"role,omitempty"`
}
