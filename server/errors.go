package main

// Stable error codes returned in JSON bodies. Unknown device, banned device,
// and bad signature all surface as errUnauthorized so callers cannot
// enumerate device ids by probing; the distinction lives in the audit log.
const (
	errTokenInvalid       = "token_invalid"
	errAuthHeadersMissing = "auth_headers_missing"
	errTimestampExpired   = "timestamp_expired"
	errUnauthorized       = "unauthorized"
	errTooManyRequests    = "too_many_requests"
	errBadRequest         = "bad_request"
	errNotFound           = "not_found"
	errInternal           = "internal_error"
)

// Violation types recorded by the audit log.
const (
	violationInvalidSignature = "invalid_signature"
	violationTimestampExpired = "timestamp_expired"
	violationHeadersMissing   = "auth_headers_missing"
	violationBannedDevice     = "banned_device_attempt"
	violationDuplicateReport  = "duplicate_task_report"
)
