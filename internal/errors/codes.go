// Package errors provides the code-typed error taxonomy shared by the discovery pipeline.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an error without a domain code.
	CodeUnknown Code = "UNKNOWN"

	// CodeConfiguration marks invalid or missing settings. Fatal at startup,
	// non-fatal at reload (the previous snapshot stays active).
	CodeConfiguration Code = "CONFIGURATION"

	// CodePersistence marks connectivity, constraint or timeout failures of the store.
	CodePersistence Code = "PERSISTENCE"

	// CodeValidation marks an invalid argument passed by a caller.
	CodeValidation Code = "VALIDATION"

	// CodeDelivery marks a reward or message that could not reach one recipient.
	CodeDelivery Code = "DELIVERY"
)

// Recoverable reports whether an attempt failing with this code may simply be retried later.
func (c Code) Recoverable() bool {
	switch c {
	case CodePersistence, CodeDelivery:
		return true
	default:
		return false
	}
}
