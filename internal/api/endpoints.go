// Package api names the CRPT endpoints the client talks to.
package api

import (
	"net/url"
	"strings"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://ismp.crpt.ru/api/v3"

// SandboxBaseURL is the demo stand.
const SandboxBaseURL = "https://markirovka.demo.crpt.tech/api/v3"

// Fixed paths below the base URL.
const (
	PathKey    = "/auth/cert/key"
	PathToken  = "/auth/cert/"
	PathCreate = "/lk/documents/create"
)

// Endpoints resolves request URLs against one base URL.
type Endpoints struct {
	Base string
}

// New returns endpoints rooted at base, or at DefaultBaseURL when base is empty.
func New(base string) Endpoints {
	if base == "" {
		base = DefaultBaseURL
	}
	return Endpoints{Base: strings.TrimRight(base, "/")}
}

func (e Endpoints) Key() string   { return e.Base + PathKey }
func (e Endpoints) Token() string { return e.Base + PathToken }

// Create returns the submission URL for a product group.
func (e Endpoints) Create(productGroup string) string {
	return e.Base + PathCreate + "?pg=" + url.QueryEscape(productGroup)
}
