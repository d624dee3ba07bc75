package util

import "errors"

var ErrInvalidClaims = errors.New("token claims missing user_id or tenant_id")
