package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
)

func writeJSONOutput(output any, exitCode int) int {
	encoded, err := marshalOutputWithErrorEnvelope(output, exitCode)
	if err != nil {
		fmt.Println(`{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return exitInvalidInput
	}
	fmt.Println(string(encoded))
	return exitCode
}

// marshalOutputWithErrorEnvelope fills error_code, error_category, retryable
// and hint on failed outputs that did not set them.
func marshalOutputWithErrorEnvelope(output any, exitCode int) ([]byte, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil, err
	}
	errorText := strings.TrimSpace(asString(result["error"]))
	if errorText == "" {
		return json.Marshal(result)
	}
	if strings.TrimSpace(asString(result["error_code"])) == "" {
		result["error_code"] = defaultErrorCode(exitCode)
	}
	if strings.TrimSpace(asString(result["error_category"])) == "" {
		result["error_category"] = string(defaultErrorCategory(exitCode))
	}
	if _, exists := result["retryable"]; !exists {
		result["retryable"] = defaultRetryable(coreerrors.Category(asString(result["error_category"])))
	}
	if strings.TrimSpace(asString(result["hint"])) == "" {
		result["hint"] = defaultHint(exitCode)
	}
	return json.Marshal(result)
}

// errorFields carries a classified error into the JSON envelope.
type errorFields struct {
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Retryable     *bool  `json:"retryable,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

func newErrorFields(err error) errorFields {
	if err == nil {
		return errorFields{}
	}
	fields := errorFields{
		Error:         err.Error(),
		ErrorCode:     coreerrors.CodeOf(err),
		ErrorCategory: string(coreerrors.CategoryOf(err)),
		Hint:          coreerrors.HintOf(err),
	}
	if fields.ErrorCategory != "" {
		retryable := coreerrors.RetryableOf(err)
		fields.Retryable = &retryable
	}
	return fields
}

func printHumanError(command string, fields errorFields) {
	fmt.Printf("%s error: %s\n", command, fields.Error)
	if fields.Hint != "" {
		fmt.Printf("hint: %s\n", fields.Hint)
	}
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return exitInvalidInput
	case coreerrors.CategoryDependencyMissing:
		return exitMissingDependency
	case coreerrors.CategoryNoPayload:
		return exitNoPayload
	case coreerrors.CategoryArchiveInvalid:
		return exitArchiveInvalid
	case coreerrors.CategoryNetworkTransient, coreerrors.CategoryNetworkPermanent:
		return exitNetworkFailure
	case coreerrors.CategoryIOFailure, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return exitNetworkFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitMissingDependency:
		return coreerrors.CategoryDependencyMissing
	case exitNoPayload:
		return coreerrors.CategoryNoPayload
	case exitArchiveInvalid:
		return coreerrors.CategoryArchiveInvalid
	case exitNetworkFailure:
		return coreerrors.CategoryNetworkPermanent
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "invalid_input"
	case exitMissingDependency:
		return "dependency_missing"
	case exitNoPayload:
		return "no_payload"
	case exitArchiveInvalid:
		return "archive_invalid"
	case exitNetworkFailure:
		return "network_failure"
	case exitProvisionIncomplete:
		return "provision_incomplete"
	default:
		return "internal_failure"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and manifest schema"
	case exitMissingDependency:
		return "install or configure the missing dependency and retry"
	case exitNoPayload:
		return "check the archive contents and the expected extension"
	case exitArchiveInvalid:
		return "re-download the archive or pick another source"
	case exitNetworkFailure:
		return "check connectivity, tokens and source locations"
	case exitProvisionIncomplete:
		return "inspect the report for required assets that failed"
	default:
		return "retry after checking local environment and logs"
	}
}

func defaultRetryable(category coreerrors.Category) bool {
	return category == coreerrors.CategoryNetworkTransient
}

func asString(value any) string {
	text, _ := value.(string)
	return text
}
