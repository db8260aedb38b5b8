package task

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

// ActiveDedupKey identifies an active task slot. Fields are length-prefixed
// so that ("ab","c") and ("a","bc") never collide. The user id participates
// only for private scope: shared and system slots are cross-user.
func ActiveDedupKey(scope Scope, taskType, taskKey string, userID *int64) string {
	user := ""
	if scope == ScopePrivate && userID != nil {
		user = strconv.FormatInt(*userID, 10)
	}

	h := sha256.New()
	for _, field := range []string{string(scope), taskType, taskKey, user} {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(field)))
		h.Write(size[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FinishedDedupKey replaces the active-form key when a task terminates,
// freeing the slot for a new task with the same logical identity.
func FinishedDedupKey(taskUUID string) string {
	sum := sha256.Sum256([]byte("finished:" + taskUUID))
	return hex.EncodeToString(sum[:])
}

// GenerateRandomTaskKey produces a task key for submits that did not supply
// one. Random keys never collide, so such tasks are effectively not deduped.
func GenerateRandomTaskKey() string {
	return uuid.NewString()
}
