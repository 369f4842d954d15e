package protocols

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication marks failures that retrying with the same
	// credentials cannot fix.
	ErrAuthentication = errors.New("authentication failed")
	// ErrProtocolNotConfigured is returned when a host has no configuration
	// for the protocol a source needs.
	ErrProtocolNotConfigured = errors.New("protocol not configured")
)

// CIM status codes that still prove the server answered.
const (
	CIMErrInvalidNamespace = 3
	CIMErrInvalidClass     = 5
	CIMErrNotFound         = 6
)

// WBEMError is a CIM error returned by a WBEM or WMI server.
type WBEMError struct {
	Code        int
	Description string
}

func (e *WBEMError) Error() string {
	return fmt.Sprintf("CIM error %d: %s", e.Code, e.Description)
}

// IsAcceptableWBEMError reports whether err is a CIM error meaning the server
// is alive but the namespace, class or instance does not exist.
func IsAcceptableWBEMError(err error) bool {
	var wbemErr *WBEMError
	if !errors.As(err, &wbemErr) {
		return false
	}
	switch wbemErr.Code {
	case CIMErrInvalidNamespace, CIMErrInvalidClass, CIMErrNotFound:
		return true
	}
	return false
}
