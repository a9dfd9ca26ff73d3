package collector

import (
	"errors"
	"fmt"

	"dbpulse/internal/retry"
)

// ErrUnknownCollector is returned for a definition no descriptor declares.
var ErrUnknownCollector = errors.New("unknown collector")

// Phase is the step of a cycle that failed.
type Phase string

const (
	PhaseResolve Phase = "resolve"
	PhaseRemote  Phase = "remote"
	PhaseLocal   Phase = "local"
)

// CollectionError reports a failed cycle.
type CollectionError struct {
	Collector string
	Server    string
	Phase     Phase
	Attempts  int
	Err       error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collector %s on server %s failed in %s phase: %v", e.Collector, e.Server, e.Phase, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

// optionalCodes are the SQLSTATEs that make an optional collector yield no
// rows instead of failing: missing privileges, missing extensions and
// catalog objects absent from this server version.
var optionalCodes = map[string]bool{
	"42501": true, // insufficient_privilege
	"0A000": true, // feature_not_supported
	"42P01": true, // undefined_table
	"42883": true, // undefined_function
	"42703": true, // undefined_column
	"58P01": true, // undefined_file
	"55000": true, // object_not_in_prerequisite_state (extension not preloaded)
}

// unavailable reports whether err means the collector cannot run on this
// server, as opposed to a failure.
func unavailable(err error) bool {
	code, ok := retry.SQLState(err)
	return ok && optionalCodes[code]
}
