package authz

import "errors"

var (
	ErrNotFound     = errors.New("authz: not found")
	ErrConflict     = errors.New("authz: already exists")
	ErrInvalidInput = errors.New("authz: invalid input")
	ErrIntegrity    = errors.New("authz: integrity violation")
	ErrUnauthorized = errors.New("authz: unauthorized")
)
