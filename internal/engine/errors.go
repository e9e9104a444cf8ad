package engine

import "errors"

var ErrUnauthenticated = errors.New("unauthenticated")
