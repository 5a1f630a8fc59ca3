package main

import (
	"errors"
)

var (
	ERR_INTERRUPTED_BY_USER error = errors.New("Interrupted by user")
	ERR_FINISHED            error = errors.New("Every frame published")
)
