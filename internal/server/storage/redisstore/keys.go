package redisstore

import "fmt"

// Redis key pattern helpers
//
// All keys are namespaced so several repositories can share one Redis server.
//
// Key pattern: causalrepo:{namespace}:{entity}[:{id}]
// Channel pattern: causalrepo:{namespace}:{event_type}_events

// ObjectKey returns the key of a content-addressed object.
// Pattern: causalrepo:{namespace}:object:{hash}
func ObjectKey(namespace, hash string) string {
	return fmt.Sprintf("causalrepo:%s:object:%s", namespace, hash)
}

// BranchesKey returns the key of the hash holding all branch refs.
// Pattern: causalrepo:{namespace}:branches
func BranchesKey(namespace string) string {
	return fmt.Sprintf("causalrepo:%s:branches", namespace)
}

// StageAdditionsKey returns the key of the hash -> atom JSON map of a branch stage.
// Pattern: causalrepo:{namespace}:stage:{branch}:additions
func StageAdditionsKey(namespace, branch string) string {
	return fmt.Sprintf("causalrepo:%s:stage:%s:additions", namespace, branch)
}

// StageOrderKey returns the key of the list keeping the order of staged atoms.
// Pattern: causalrepo:{namespace}:stage:{branch}:order
func StageOrderKey(namespace, branch string) string {
	return fmt.Sprintf("causalrepo:%s:stage:%s:order", namespace, branch)
}

// StageDeletionsKey returns the key of the hash -> atom id map of a branch stage.
// Pattern: causalrepo:{namespace}:stage:{branch}:deletions
func StageDeletionsKey(namespace, branch string) string {
	return fmt.Sprintf("causalrepo:%s:stage:%s:deletions", namespace, branch)
}

// BranchEventsChannel returns the Pub/Sub channel announcing branch ref updates.
// Pattern: causalrepo:{namespace}:branch_events
func BranchEventsChannel(namespace string) string {
	return fmt.Sprintf("causalrepo:%s:branch_events", namespace)
}
