package types

type ErrorKind string

const (
	ErrUnknownModel         ErrorKind = "unknown_model"
	ErrNoCredential         ErrorKind = "no_credential"
	ErrCredentialInvalid    ErrorKind = "credential_invalid"
	ErrVendorTransportError ErrorKind = "vendor_transport_error"
	ErrVendorAuthError      ErrorKind = "vendor_auth_error"
	ErrVendorRateLimited    ErrorKind = "vendor_rate_limited"
	ErrTimeout              ErrorKind = "timeout"
	ErrRateLimitExceeded    ErrorKind = "rate_limit_exceeded"
	ErrValidationError      ErrorKind = "validation_error"
)

// userMessage maps each kind to an actionable message. Vendor error text is
// never forwarded verbatim.
func (k ErrorKind) userMessage() string {
	switch k {
	case ErrUnknownModel:
		return "Unknown model. Check the model id against /v1/models."
	case ErrNoCredential:
		return "No API key available for this vendor. Add your own key in settings, or ask the operator to configure one."
	case ErrCredentialInvalid:
		return "Your API key for this vendor was rejected. Check the key in settings and re-test it."
	case ErrVendorTransportError:
		return "The vendor could not be reached. Try again shortly."
	case ErrVendorAuthError:
		return "The vendor rejected the credential. Check your key in settings."
	case ErrVendorRateLimited:
		return "The vendor is rate limiting this key. Wait a moment and retry, or switch to your own key."
	case ErrTimeout:
		return "The response took too long and was cut off. You can resume it from the conversation."
	case ErrRateLimitExceeded:
		return "Too many attempts. Wait for the limit window to reset before retrying."
	case ErrValidationError:
		return "The request was malformed."
	default:
		return "Something went wrong. Try again."
	}
}

// ErrorChunk builds the single terminal error chunk for a failed stream.
// detail, when non-empty, is appended for context; it must already be safe
// to show to an end user.
func ErrorChunk(kind ErrorKind, detail string) Chunk {
	msg := kind.userMessage()
	if detail != "" {
		msg += " (" + detail + ")"
	}
	return Chunk{Kind: ChunkError, Code: kind, Error: msg, Finished: true}
}
