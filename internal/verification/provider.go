package verification

import (
	"context"

	dErrors "attestor/pkg/domain-errors"
)

// Scan is the provider's handle for an initiated verification session.
type Scan struct {
	Reference string
	URL       string
}

// Result is a provider outcome, already flattened out of the vendor payload
// shape. Field values arrive as the vendor sent them; normalization happens
// in this package. LivenessPassed reports the biometric selfie-to-document
// match; a document can read as genuine while the live check fails, so it is
// a separate approval condition, enforced here and not trusted to the
// gateway.
type Result struct {
	ScanReference  string
	Verified       bool
	Reason         string
	LivenessPassed bool
	LivenessReason string

	FirstName string
	LastName  string
	DOB       string
	Country   string // ISO-3166 alpha-3
	USState   string
	IDNumber  string
	IDType    string
	IDSubtype string

	ClientIP string
}

// Provider is an identity verification vendor.
type Provider interface {
	Name() string

	// InitScan starts a verification session. subjectRef is an opaque salted
	// reference, never the user's raw address; callbackToken rides along as
	// the webhook state parameter.
	InitScan(ctx context.Context, subjectRef, callbackToken string) (Scan, error)

	// Poll fetches the result of a session, or nil while still pending.
	Poll(ctx context.Context, scanRef string) (*Result, error)
}

// Registry selects a provider by the name stored on the user record.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

func NewRegistry(defaultName string, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider), defaultName: defaultName}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider, falling back to the default.
func (r *Registry) Get(name string) (Provider, error) {
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if p, ok := r.providers[r.defaultName]; ok {
		return p, nil
	}
	return nil, dErrors.New(dErrors.CodeUnavailable, "no verification provider configured for "+name)
}
