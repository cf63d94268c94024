package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Surfaced        bool // shown to the user as a banner
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrCodeElementNotFound: {
		Code:            ErrCodeElementNotFound,
		Retryable:       false,
		Surfaced:        false,
		Description:     "Awaited page element never appeared",
		SuggestedAction: "Check the markup selectors: penf-capture config show",
	},
	ErrCodeExtraction: {
		Code:            ErrCodeExtraction,
		Retryable:       true,
		Surfaced:        true,
		Description:     "Expected caption or chat structure missing from the page",
		SuggestedAction: "The next page update retries automatically; update markup selectors if it persists",
	},
	ErrCodeSetup: {
		Code:            ErrCodeSetup,
		Retryable:       false,
		Surfaced:        true,
		Description:     "Could not arm capture at meeting start (control lookup or click failed)",
		SuggestedAction: "Verify the captions and chat controls exist: penf-capture config show",
	},
	ErrCodePersistence: {
		Code:            ErrCodePersistence,
		Retryable:       true,
		Surfaced:        false,
		Description:     "Writing captured fields to the store failed",
		SuggestedAction: "Check store connectivity (redis) or switch to --store memory",
	},
	ErrCodeExport: {
		Code:            ErrCodeExport,
		Retryable:       true,
		Surfaced:        false,
		Description:     "Exporting or archiving a finished meeting failed",
		SuggestedAction: "Re-run the export: penf-capture export session <session-id>",
	},
	ErrCodeContextCancelled: {
		Code:            ErrCodeContextCancelled,
		Retryable:       false,
		Surfaced:        false,
		Description:     "Operation cancelled by user or system",
		SuggestedAction: "Check if cancellation was intentional",
	},
	ErrCodeTimeout: {
		Code:            ErrCodeTimeout,
		Retryable:       true,
		Surfaced:        false,
		Description:     "Operation exceeded time limit",
		SuggestedAction: "Raise the waiter timeout: penf-capture config show",
	},
	ErrCodeUnknown: {
		Code:            ErrCodeUnknown,
		Retryable:       false,
		Surfaced:        false,
		Description:     "Unclassified capture error",
		SuggestedAction: "Check logs with --debug",
	},
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// IsSurfaced returns true if errors with the given code are shown to the user.
func IsSurfaced(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Surfaced
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check logs with --debug"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
