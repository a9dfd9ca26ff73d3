package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
)

// DefaultTransientCodes lists the PostgreSQL SQLSTATEs treated as transient.
// Two-character entries match a whole class.
var DefaultTransientCodes = []string{
	"08",    // connection_exception
	"53300", // too_many_connections
	"55P03", // lock_not_available
	"57014", // query_canceled (statement_timeout)
	"57P01", // admin_shutdown
	"57P02", // crash_shutdown
	"57P03", // cannot_connect_now
	"40001", // serialization_failure
	"40P01", // deadlock_detected
}

// transientErrnos are socket errors worth another attempt.
var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// CodeClassifier classifies errors by SQLSTATE table plus well-known
// network and timeout errors.
type CodeClassifier struct {
	codes map[string]struct{}
}

// NewCodeClassifier builds a classifier from DefaultTransientCodes and the
// given extra codes.
func NewCodeClassifier(extra ...string) *CodeClassifier {
	c := &CodeClassifier{codes: make(map[string]struct{})}
	for _, code := range DefaultTransientCodes {
		c.codes[code] = struct{}{}
	}
	for _, code := range extra {
		c.codes[strings.ToUpper(code)] = struct{}{}
	}
	return c
}

// Classify implements Classifier.
func (c *CodeClassifier) Classify(err error) Class {
	if err == nil || errors.Is(err, context.Canceled) {
		return Fatal
	}

	// Command timeouts surface as a deadline on the per-attempt context.
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	if code, ok := SQLState(err); ok {
		if c.matches(code) {
			return Transient
		}
		return Fatal
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Transient
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return Transient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient
	}

	return Fatal
}

func (c *CodeClassifier) matches(code string) bool {
	if _, ok := c.codes[code]; ok {
		return true
	}
	if len(code) >= 2 {
		_, ok := c.codes[code[:2]]
		return ok
	}
	return false
}

// SQLState extracts the SQLSTATE of a PostgreSQL error.
func SQLState(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	return "", false
}
