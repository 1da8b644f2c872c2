package orchestration

import (
	"sort"

	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// FilterAndSortMessages prepares a turn's inbound messages for replay.
// It drops messages addressed to a different execution generation,
// drops ExecutionStarted duplicates once the state (or an earlier
// message in the batch) has started the instance, and orders
// ExecutionStarted ahead of everything else so a fresh instance starts
// before its first completions arrive. The sort is stable: relative
// arrival order is preserved otherwise.
func FilterAndSortMessages(state *RuntimeState, msgs []*v1.TaskMessage) []*v1.TaskMessage {
	kept := make([]*v1.TaskMessage, 0, len(msgs))
	started := state.startEvent != nil
	for _, msg := range msgs {
		if msg == nil || msg.Event == nil {
			continue
		}
		if id := msg.Instance.ExecutionID; id != "" && state.instance.ExecutionID != "" && id != state.instance.ExecutionID {
			continue
		}
		if msg.Event.Kind == v1.EventExecutionStarted {
			if started {
				continue
			}
			started = true
		}
		kept = append(kept, msg)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return rank(kept[i]) < rank(kept[j])
	})
	return kept
}

func rank(msg *v1.TaskMessage) int {
	if msg.Event.Kind == v1.EventExecutionStarted {
		return 0
	}
	return 1
}
