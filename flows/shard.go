package flows

import (
	"fmt"
	"hash/fnv"
)

// workflowNameShard computes the shard value for a workflow key.
//
// On Citus, the runs table is distributed by workflow_name_shard. Hashing the
// workflow key (not the run ID) keeps every run of a key on one shard, which is
// what lets runs_active_key_idx enforce one active run per key.
func workflowNameShard(workflowName, workflowKey string, shardCount int) string {
	if shardCount <= 0 {
		shardCount = 1
	}
	if shardCount == 1 {
		return fmt.Sprintf("%s_%d", workflowName, 0)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(workflowKey))
	shard := int(h.Sum32() % uint32(shardCount))
	return fmt.Sprintf("%s_%d", workflowName, shard)
}

// ShardValuesForWorkflow returns all possible shard values for a workflow name.
//
// On Citus, SELECT ... FOR UPDATE SKIP LOCKED must be routed to a single shard,
// which requires an equality predicate on the distribution column. The worker
// iterates through all shard values returned by this function to find work.
//
// Example: ShardValuesForWorkflow("publish_post", 4) returns
// ["publish_post_0", "publish_post_1", "publish_post_2", "publish_post_3"]
func ShardValuesForWorkflow(workflowName string, shardCount int) []string {
	if shardCount <= 0 {
		shardCount = 1
	}
	shards := make([]string, shardCount)
	for i := 0; i < shardCount; i++ {
		shards[i] = fmt.Sprintf("%s_%d", workflowName, i)
	}
	return shards
}
