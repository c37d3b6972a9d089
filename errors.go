/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package taskrunner

import "github.com/pkg/errors"

var (
	// ErrNullMessage indicates that a delivery had no body or decoded to a JSON null
	ErrNullMessage = errors.New("message was null")

	// ErrMissingMetadata indicates that a decoded message did not contain a metadata property
	ErrMissingMetadata = errors.New("message did not contain a metadata property")

	// ErrRunnerClosed is returned when the runner is used after Close
	ErrRunnerClosed = errors.New("runner closed")
)
