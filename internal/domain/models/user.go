package models

import (
	"strings"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
)

// Provider identifies a third-party identity service a user can link.
type Provider string

const (
	ProviderGitHub   Provider = "github"
	ProviderFacebook Provider = "facebook"
)

// Providers lists every supported provider, in the order service diffs
// are applied.
var Providers = []Provider{ProviderFacebook, ProviderGitHub}

// Valid reports whether p is a member of the closed provider set.
func (p Provider) Valid() bool {
	return p == ProviderGitHub || p == ProviderFacebook
}

// LinkedService is the binding between a user and one provider. AccessToken
// holds plaintext inside a request's lifetime and ciphertext at rest; the
// store layer never sees plaintext.
type LinkedService struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
}

// User is the identity record. Services has at most one entry per provider.
type User struct {
	ID         int64                      `json:"id"`
	Name       string                     `json:"name"`
	Email      string                     `json:"email"`
	PictureURL *string                    `json:"picture_url,omitempty"`
	Services   map[Provider]LinkedService `json:"services"`
}

// Normalize trims scalar fields and service ids in place, mirroring what
// validation expects.
func (u *User) Normalize() {
	u.Name = strings.TrimSpace(u.Name)
	u.Email = strings.TrimSpace(u.Email)
	for p, svc := range u.Services {
		svc.ID = strings.TrimSpace(svc.ID)
		u.Services[p] = svc
	}
}

// Validate checks the record against the user schema and returns a
// ValidationError listing every violated field. Access tokens may be empty
// here; emptiness is only rejected on creation input (historical rows with
// blank tokens exist and must keep flowing through the patch engine).
func (u *User) Validate() error {
	verr := &domainErrors.ValidationError{}
	if strings.TrimSpace(u.Name) == "" {
		verr.Add("name", "must be a non-empty string")
	}
	if strings.TrimSpace(u.Email) == "" {
		verr.Add("email", "must be a non-empty string")
	}
	for p, svc := range u.Services {
		if !p.Valid() {
			verr.Add("services/"+string(p), "unknown provider")
			continue
		}
		if strings.TrimSpace(svc.ID) == "" {
			verr.Add("services/"+string(p)+"/id", "must be a non-empty string")
		}
	}
	return verr.OrNil()
}

// Clone returns a deep copy, so patch application never aliases the
// snapshot it started from.
func (u *User) Clone() *User {
	c := *u
	if u.PictureURL != nil {
		v := *u.PictureURL
		c.PictureURL = &v
	}
	c.Services = make(map[Provider]LinkedService, len(u.Services))
	for p, svc := range u.Services {
		c.Services[p] = svc
	}
	return &c
}

// UserSelector addresses a user by id, by a provider-side external id, or
// by a combination that must agree on the same user.
type UserSelector struct {
	UserID     *int64  `json:"user_id,omitempty"`
	GitHubID   *string `json:"github_id,omitempty"`
	FacebookID *string `json:"facebook_id,omitempty"`
}

// Empty reports whether no criterion is set.
func (s UserSelector) Empty() bool {
	return s.UserID == nil && s.GitHubID == nil && s.FacebookID == nil
}

// CreateUserRequest carries the fields accepted by user creation. Services
// keys are kept as plain strings until validation so an unknown provider is
// reported as a field violation rather than silently dropped.
type CreateUserRequest struct {
	Name       string                   `json:"name"`
	Email      string                   `json:"email"`
	PictureURL *string                  `json:"picture_url,omitempty"`
	Services   map[string]LinkedService `json:"services,omitempty"`
}

// Validate checks creation input. Unlike patch results, supplied services
// must carry both a non-empty external id and a non-empty access token.
func (r *CreateUserRequest) Validate() error {
	verr := &domainErrors.ValidationError{}
	if strings.TrimSpace(r.Name) == "" {
		verr.Add("name", "must be a non-empty string")
	}
	if strings.TrimSpace(r.Email) == "" {
		verr.Add("email", "must be a non-empty string")
	}
	for name, svc := range r.Services {
		if !Provider(name).Valid() {
			verr.Add("services/"+name, "unknown provider")
			continue
		}
		if strings.TrimSpace(svc.ID) == "" {
			verr.Add("services/"+name+"/id", "must be a non-empty string")
		}
		if svc.AccessToken == "" {
			verr.Add("services/"+name+"/access_token", "must be a non-empty string")
		}
	}
	return verr.OrNil()
}

// ToUser converts validated creation input into a user record.
func (r *CreateUserRequest) ToUser() *User {
	u := &User{
		Name:       r.Name,
		Email:      r.Email,
		PictureURL: r.PictureURL,
		Services:   make(map[Provider]LinkedService, len(r.Services)),
	}
	for name, svc := range r.Services {
		u.Services[Provider(name)] = svc
	}
	u.Normalize()
	return u
}
