package coordinator

import (
	"fmt"
	"hash/fnv"
	"maps"
)

// Strategy names a partition assignment scheme.
type Strategy string

const (
	// StrategyRoundRobin assigns partition i to agent i.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyHash assigns partitions by hashing the task's partition
	// key, falling back to round-robin when the task carries none.
	StrategyHash Strategy = "hash"
)

// IsValid reports whether the strategy is known.
func (s Strategy) IsValid() bool {
	return s == StrategyRoundRobin || s == StrategyHash
}

// Partition is one slice of a task assigned to one agent. Task carries
// the original fields plus partition_index and total_partitions.
type Partition struct {
	PartitionID string         `json:"partition_id"`
	AgentIndex  int            `json:"agent_index"`
	Task        map[string]any `json:"task"`
}

// partitionKeyFields are checked in order for the hash strategy's key.
var partitionKeyFields = []string{"partition_key", "key", "id"}

// PartitionTask splits a task into count partitions, one per agent.
// Pure and deterministic: the same task, count, and strategy always
// produce the same descriptors.
func PartitionTask(task map[string]any, count int, strategy Strategy) ([]Partition, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: partition count %d", ErrValidation, count)
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrValidation, strategy)
	}

	key := ""
	if strategy == StrategyHash {
		key = partitionKey(task)
	}

	out := make([]Partition, count)
	for i := 0; i < count; i++ {
		agent := i
		if key != "" {
			agent = hashAssign(key, i, count)
		}
		sliced := make(map[string]any, len(task)+2)
		maps.Copy(sliced, task)
		sliced["partition_index"] = i
		sliced["total_partitions"] = count
		out[i] = Partition{
			PartitionID: fmt.Sprintf("partition-%d", i),
			AgentIndex:  agent,
			Task:        sliced,
		}
	}
	return out, nil
}

// partitionKey extracts the hash key from the task, empty when absent.
func partitionKey(task map[string]any) string {
	for _, field := range partitionKeyFields {
		if v, ok := task[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// hashAssign maps (key, partition index) onto an agent slot with FNV-1a.
func hashAssign(key string, index, count int) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s#%d", key, index)
	return int(h.Sum32() % uint32(count))
}
