package errutil

// CoreStatus categorizes domain failures independently of any transport.
type CoreStatus string

const (
	StatusNotFound         CoreStatus = "not_found"
	StatusValidationFailed CoreStatus = "validation_failed"
	StatusForbidden        CoreStatus = "forbidden"
	StatusConflict         CoreStatus = "conflict"
	StatusTimeout          CoreStatus = "timeout"
	StatusInternal         CoreStatus = "internal"
	StatusUnknown          CoreStatus = "unknown"
)
