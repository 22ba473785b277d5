package interpret

import (
	"strings"

	"lockbridge/internal/domain"
)

type rule struct {
	kind       domain.ErrorKind
	errorTypes []string
	phrases    []string
}

// rules are checked in order, exception type names first, then message
// phrases. Both comparisons ignore case.
var rules = []rule{
	{
		kind:       domain.KindModuleUnavailable,
		errorTypes: []string{"CommandNotFoundException", "ModuleNotFoundException"},
		phrases:    []string{"is not recognized as the name of a cmdlet"},
	},
	{
		kind:       domain.KindPermissionDenied,
		errorTypes: []string{"UnauthorizedAccessException", "SecurityException", "ADUnauthorizedAccessException"},
		phrases: []string{
			"access is denied",
			"insufficient access rights",
			"requires elevation",
			"not have permission",
		},
	},
	{
		kind:       domain.KindNotFound,
		errorTypes: []string{"ADIdentityNotFoundException", "ItemNotFoundException", "GPOUnavailableException", "FileNotFoundException", "DirectoryNotFoundException"},
		phrases: []string{
			"cannot find an object with identity",
			"does not exist",
			"cannot find path",
			"was not found",
		},
	},
	{
		kind:       domain.KindTimeout,
		errorTypes: []string{"TimeoutException", "OperationTimeoutException"},
		phrases:    []string{"operation has timed out", "timed out"},
	},
}

// loaderPhrases come from the module loader. Import-Module raises them as
// FileNotFoundException, so they are checked before exception type names.
var loaderPhrases = []string{
	"no valid module file was found",
	"module could not be loaded",
	"was not loaded because no valid module file",
}

// Classify maps a failure envelope's errorType and message to an ErrorKind.
// An errorType naming a kind directly wins; then module loader messages;
// then the table; then ExternalFailure.
func Classify(errorType, message string) domain.ErrorKind {
	errorType = strings.TrimSpace(errorType)
	if k, ok := domain.ParseErrorKind(errorType); ok && k != domain.KindCancelled && k != domain.KindMalformedResponse {
		return k
	}
	msg := strings.ToLower(message)
	for _, p := range loaderPhrases {
		if strings.Contains(msg, p) {
			return domain.KindModuleUnavailable
		}
	}
	for _, r := range rules {
		for _, et := range r.errorTypes {
			if strings.EqualFold(et, errorType) {
				return r.kind
			}
		}
	}
	for _, r := range rules {
		for _, p := range r.phrases {
			if strings.Contains(msg, p) {
				return r.kind
			}
		}
	}
	return domain.KindExternalFailure
}
