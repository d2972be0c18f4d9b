package models

import (
	domainErrors "github.com/glotpod/ident/internal/domain/errors"
)

// Document renders the record as the generic map the patch engine operates
// on. Numbers are float64 and nested values are map[string]any, matching
// what encoding/json produces for patch op values, so test ops compare
// like with like.
func (u *User) Document() map[string]any {
	services := make(map[string]any, len(u.Services))
	for p, svc := range u.Services {
		services[string(p)] = map[string]any{
			"id":           svc.ID,
			"access_token": svc.AccessToken,
		}
	}
	doc := map[string]any{
		"id":       float64(u.ID),
		"name":     u.Name,
		"email":    u.Email,
		"services": services,
	}
	if u.PictureURL != nil {
		doc["picture_url"] = *u.PictureURL
	}
	return doc
}

// UserFromDocument converts a patched document back into a typed record,
// validating it against the user schema. Every violation is collected; the
// id field is ignored entirely, since a record's id is immutable and
// reasserted by the caller. The returned error unwraps to ErrInvalidRequest.
func UserFromDocument(doc map[string]any) (*User, error) {
	verr := &domainErrors.ValidationError{}
	u := &User{Services: map[Provider]LinkedService{}}

	for key, val := range doc {
		switch key {
		case "id":
			// dropped; ids cannot be patched
		case "name":
			s, ok := val.(string)
			if !ok {
				verr.Add("name", "must be a string")
				continue
			}
			u.Name = s
		case "email":
			s, ok := val.(string)
			if !ok {
				verr.Add("email", "must be a string")
				continue
			}
			u.Email = s
		case "picture_url":
			s, ok := val.(string)
			if !ok {
				verr.Add("picture_url", "must be a string")
				continue
			}
			u.PictureURL = &s
		case "services":
			svcs, ok := val.(map[string]any)
			if !ok {
				verr.Add("services", "must be an object")
				continue
			}
			for name, raw := range svcs {
				svc, err := serviceFromDocument(name, raw, verr)
				if err == nil {
					u.Services[Provider(name)] = svc
				}
			}
		default:
			verr.Add(key, "unknown field")
		}
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	u.Normalize()
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

func serviceFromDocument(name string, raw any, verr *domainErrors.ValidationError) (LinkedService, error) {
	prefix := "services/" + name
	if !Provider(name).Valid() {
		verr.Add(prefix, "unknown provider")
		return LinkedService{}, domainErrors.ErrInvalidRequest
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		verr.Add(prefix, "must be an object")
		return LinkedService{}, domainErrors.ErrInvalidRequest
	}

	var svc LinkedService
	seenID := false
	for key, val := range fields {
		switch key {
		case "id":
			s, ok := val.(string)
			if !ok {
				verr.Add(prefix+"/id", "must be a string")
				return LinkedService{}, domainErrors.ErrInvalidRequest
			}
			svc.ID = s
			seenID = true
		case "access_token":
			s, ok := val.(string)
			if !ok {
				verr.Add(prefix+"/access_token", "must be a string")
				return LinkedService{}, domainErrors.ErrInvalidRequest
			}
			svc.AccessToken = s
		default:
			verr.Add(prefix+"/"+key, "unknown field")
			return LinkedService{}, domainErrors.ErrInvalidRequest
		}
	}
	if !seenID {
		verr.Add(prefix+"/id", "required field missing")
		return LinkedService{}, domainErrors.ErrInvalidRequest
	}
	return svc, nil
}
