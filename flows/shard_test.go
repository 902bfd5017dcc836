package flows

import (
	"fmt"
	"strings"
	"testing"
)

func TestWorkflowNameShard(t *testing.T) {
	tests := []struct {
		name         string
		workflowName string
		workflowKey  string
		shardCount   int
		wantShardIdx int // -1 means any valid shard
	}{
		{
			name:         "single shard always returns 0",
			workflowName: "publish_post",
			workflowKey:  "post:1",
			shardCount:   1,
			wantShardIdx: 0,
		},
		{
			name:         "zero shard count treated as 1",
			workflowName: "publish_post",
			workflowKey:  "post:1",
			shardCount:   0,
			wantShardIdx: 0,
		},
		{
			name:         "negative shard count treated as 1",
			workflowName: "publish_post",
			workflowKey:  "post:1",
			shardCount:   -5,
			wantShardIdx: 0,
		},
		{
			name:         "multiple shards produces valid shard",
			workflowName: "publish_post",
			workflowKey:  "post:42",
			shardCount:   8,
			wantShardIdx: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := workflowNameShard(tt.workflowName, tt.workflowKey, tt.shardCount)

			var shardIdx int
			if _, err := fmt.Sscanf(strings.TrimPrefix(got, tt.workflowName+"_"), "%d", &shardIdx); err != nil {
				t.Fatalf("failed to parse shard index from %q: %v", got, err)
			}
			if tt.wantShardIdx >= 0 && shardIdx != tt.wantShardIdx {
				t.Errorf("workflowNameShard() shard index = %d, want %d", shardIdx, tt.wantShardIdx)
			}

			effective := tt.shardCount
			if effective <= 0 {
				effective = 1
			}
			if shardIdx < 0 || shardIdx >= effective {
				t.Errorf("shard index %d out of range [0, %d)", shardIdx, effective)
			}
		})
	}
}

func TestWorkflowNameShard_SameKeySameShard(t *testing.T) {
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("post:%d", i)
		first := workflowNameShard("publish_post", key, 16)
		for j := 0; j < 5; j++ {
			if got := workflowNameShard("publish_post", key, 16); got != first {
				t.Fatalf("key %q mapped to %q then %q", key, first, got)
			}
		}
	}
}

func TestWorkflowNameShard_Distribution(t *testing.T) {
	const shardCount = 4
	seen := map[string]int{}
	for i := 0; i < 1000; i++ {
		seen[workflowNameShard("publish_post", fmt.Sprintf("post:%d", i), shardCount)]++
	}
	if len(seen) != shardCount {
		t.Fatalf("expected all %d shards to be used, got %v", shardCount, seen)
	}
	for shard, n := range seen {
		if n < 100 {
			t.Errorf("shard %s only got %d of 1000 keys", shard, n)
		}
	}
}

func TestShardValuesForWorkflow(t *testing.T) {
	got := ShardValuesForWorkflow("publish_post", 3)
	want := []string{"publish_post_0", "publish_post_1", "publish_post_2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("shard %d = %q, want %q", i, got[i], want[i])
		}
	}

	if got := ShardValuesForWorkflow("publish_post", 0); len(got) != 1 || got[0] != "publish_post_0" {
		t.Errorf("zero shard count: got %v", got)
	}
}

func TestShardValuesCoverWorkflowNameShard(t *testing.T) {
	valid := map[string]bool{}
	for _, s := range ShardValuesForWorkflow("publish_post", 8) {
		valid[s] = true
	}
	for i := 0; i < 200; i++ {
		s := workflowNameShard("publish_post", fmt.Sprintf("post:%d", i), 8)
		if !valid[s] {
			t.Fatalf("shard %q is not scanned by workers", s)
		}
	}
}

func TestWorkflowFromNotification(t *testing.T) {
	tests := map[string]string{
		"publish_post_3:0190d6c2-0000-7000-8000-000000000000": "publish_post",
		"simple_0:abc":   "simple",
		"nounderscore:x": "",
		"":               "",
	}
	for payload, want := range tests {
		if got := workflowFromNotification(payload); got != want {
			t.Errorf("workflowFromNotification(%q) = %q, want %q", payload, got, want)
		}
	}
}
