package swarm

import (
	"fmt"

	"github.com/docker/docker/api/types/filters"
)

const (
	// shardLimit is the response size above which a shard is split further.
	shardLimit    = 1000
	maxShardDepth = 2
	shardAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// listSharded issues list once per ID prefix shard, so large swarms never come back in one
// response. A shard returning more than shardLimit items is re-queried one character deeper,
// down to maxShardDepth. Items are de-duplicated by ID and returned in query order.
func listSharded[T any](base filters.Args, list func(filters.Args) ([]T, error), id func(T) string) ([]T, error) {
	queue := make([]string, 0, len(shardAlphabet))
	for _, ch := range shardAlphabet {
		queue = append(queue, string(ch))
	}

	var (
		out  []T
		seen = make(map[string]bool)
	)
	for len(queue) > 0 {
		prefix := queue[0]
		queue = queue[1:]

		query := base.Clone()
		query.Add("id", prefix)
		items, err := list(query)
		if err != nil {
			return nil, fmt.Errorf("shard %q: %w", prefix, err)
		}
		if len(items) > shardLimit && len(prefix) < maxShardDepth {
			for _, ch := range shardAlphabet {
				queue = append(queue, prefix+string(ch))
			}
			continue
		}
		for _, item := range items {
			key := id(item)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
		}
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}
