package service

import "errors"

// ErrServiceShutdown is returned when the ResourceService has been shutdown.
var ErrServiceShutdown = errors.New("resource service has been shutdown")
