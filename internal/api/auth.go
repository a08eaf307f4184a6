// Package api implements the HTTP surface of the farm delivery routing
// service.
package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Role     string // admin, dispatcher, driver
	DriverID string
}

// getPrincipal extracts role and driver identity from a bearer token
// when present, else from dev headers.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Role: pr.Role, DriverID: pr.DriverID}
		}
	}
	role := r.Header.Get("X-Role")
	driverID := r.Header.Get("X-Driver-Id")
	if role == "" {
		role = "admin"
	}
	return Principal{Role: role, DriverID: driverID}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanDrive reports whether the principal may act as a driver.
func (p Principal) CanDrive() bool { return p.Role == "driver" || p.IsAdmin() }

// actingDriver resolves which driver a request acts for: admins may name
// any driver via query or body, drivers only themselves.
func (p Principal) actingDriver(requested string) (string, bool) {
	if p.Role == "driver" {
		if p.DriverID == "" {
			return "", false
		}
		if requested != "" && requested != p.DriverID {
			return "", false
		}
		return p.DriverID, true
	}
	if p.IsAdmin() || p.Role == "dispatcher" {
		if requested == "" {
			return "", false
		}
		return requested, true
	}
	return "", false
}
