package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/config"
	"github.com/BrandonDHaskell/Claviger/server/internal/httpapi"
)

// printToken signs a bearer token for "id:role" (role defaults to
// operator) with the configured secret.
func printToken(cfg *config.Config, who string, ttl time.Duration) error {
	if cfg.JWTSecret == "" {
		return errors.New("CLAVIGER_JWT_SECRET is not set")
	}
	id, role, _ := strings.Cut(who, ":")
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("operator id is required")
	}
	if role == "" {
		role = httpapi.RoleOperator
	}
	if role != httpapi.RoleOperator && role != httpapi.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}

	tok, err := httpapi.SignToken(cfg.JWTSecret, httpapi.Operator{ID: id, Name: id, Role: role}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
