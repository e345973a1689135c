package model

import "fmt"

// Severity of an ebMS error
type Severity string

const (
	SeverityFailure Severity = "failure"
	SeverityWarning Severity = "warning"
)

// EbmsError is a single ebMS error as reported in an Error signal
type EbmsError struct {
	ErrorCode           string
	Severity            Severity
	Origin              string
	Category            string
	ShortDescription    string
	Description         string
	Detail              string
	RefToMessageInError string
}

func (e EbmsError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %s", e.ErrorCode, e.ShortDescription, e.Detail)
	}
	return fmt.Sprintf("%s %s", e.ErrorCode, e.ShortDescription)
}

// ErrorCode is a template for a predefined ebMS error
type ErrorCode struct {
	Code             string
	Severity         Severity
	ShortDescription string
	Category         string
	Origin           string
}

// New creates an error for the given message with the given detail
func (c ErrorCode) New(refToMessageInError, detail string) EbmsError {
	return EbmsError{
		ErrorCode:           c.Code,
		Severity:            c.Severity,
		Origin:              c.Origin,
		Category:            c.Category,
		ShortDescription:    c.ShortDescription,
		Detail:              detail,
		RefToMessageInError: refToMessageInError,
	}
}

// Predefined ebMS 3.0 and AS4 error codes
var (
	ErrValueNotRecognized   = ErrorCode{"EBMS:0001", SeverityFailure, "ValueNotRecognized", "Content", "ebMS"}
	ErrFeatureNotSupported  = ErrorCode{"EBMS:0002", SeverityWarning, "FeatureNotSupported", "Content", "ebMS"}
	ErrValueInconsistent    = ErrorCode{"EBMS:0003", SeverityFailure, "ValueInconsistent", "Content", "ebMS"}
	ErrOther                = ErrorCode{"EBMS:0004", SeverityFailure, "Other", "Content", "ebMS"}
	ErrConnectionFailure    = ErrorCode{"EBMS:0005", SeverityFailure, "ConnectionFailure", "Communication", "ebMS"}
	ErrEmptyMPC             = ErrorCode{"EBMS:0006", SeverityWarning, "EmptyMessagePartitionChannel", "Communication", "ebMS"}
	ErrMimeInconsistency    = ErrorCode{"EBMS:0007", SeverityFailure, "MimeInconsistency", "Unpackaging", "ebMS"}
	ErrInvalidHeader        = ErrorCode{"EBMS:0009", SeverityFailure, "InvalidHeader", "Unpackaging", "ebMS"}
	ErrPModeMismatch        = ErrorCode{"EBMS:0010", SeverityFailure, "ProcessingModeMismatch", "Processing", "ebMS"}
	ErrExternalPayload      = ErrorCode{"EBMS:0011", SeverityFailure, "ExternalPayloadError", "Content", "ebMS"}
	ErrFailedAuthentication = ErrorCode{"EBMS:0101", SeverityFailure, "FailedAuthentication", "Processing", "security"}
	ErrFailedDecryption     = ErrorCode{"EBMS:0102", SeverityFailure, "FailedDecryption", "Processing", "security"}
	ErrPolicyNoncompliance  = ErrorCode{"EBMS:0103", SeverityFailure, "PolicyNoncompliance", "Processing", "security"}
	ErrDeliveryFailure      = ErrorCode{"EBMS:0202", SeverityFailure, "DeliveryFailure", "Communication", "reliability"}
	ErrMissingReceipt       = ErrorCode{"EBMS:0301", SeverityFailure, "MissingReceipt", "Communication", "reliability"}
	ErrInvalidReceipt       = ErrorCode{"EBMS:0302", SeverityFailure, "InvalidReceipt", "Communication", "reliability"}
	ErrDecompressionFailure = ErrorCode{"EBMS:0303", SeverityFailure, "DecompressionFailure", "Communication", "ebMS"}
)
