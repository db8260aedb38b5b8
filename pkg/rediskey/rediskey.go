package rediskey

import "fmt"

// Task coordination keys (global convention across workers)
const (
	TaskLockPrefix = "gtf:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildTaskLockKey returns "gtf:lock:{dedupKey}"
func BuildTaskLockKey(dedupKey string) string {
	return NamespaceKey(TaskLockPrefix, dedupKey)
}

// BuildChannel appends the task uuid to a configured channel prefix,
// e.g. "gtf:abort:" + uuid.
func BuildChannel(prefix, taskUUID string) string {
	return prefix + taskUUID
}
