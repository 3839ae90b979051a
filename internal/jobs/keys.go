package jobs

import "fmt"

// Redis key layout. Dedup keys are "{kind}:{entity...}", so the kind of
// a scheduled member is recoverable from its prefix.
const (
	// keyScheduled is a ZSET of dedup keys scored by fire-at unix millis.
	keyScheduled = "jobs:scheduled"
	// keyJob holds the serialized job for a dedup key.
	keyJob = "jobs:job:%s"
	// keyDead is a per-kind LIST of jobs that exhausted their retries.
	keyDead = "jobs:dead:%s"
	// keyActive, keyCompleted and keyFailed are per-kind counters.
	keyActive    = "jobs:active:%s"
	keyCompleted = "jobs:completed:%s"
	keyFailed    = "jobs:failed:%s"
)

func jobKey(dedupKey string) string   { return fmt.Sprintf(keyJob, dedupKey) }
func deadKey(kind string) string      { return fmt.Sprintf(keyDead, kind) }
func activeKey(kind string) string    { return fmt.Sprintf(keyActive, kind) }
func completedKey(kind string) string { return fmt.Sprintf(keyCompleted, kind) }
func failedKey(kind string) string    { return fmt.Sprintf(keyFailed, kind) }
