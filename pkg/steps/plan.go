package steps

import (
	"encoding/json"
	"fmt"

	"github.com/ferrohq/ferro/pkg/types"
)

// DriverInternalInfo keys for durable plan state. Values round-trip
// through JSON in the store, so readers decode defensively instead of
// type-asserting.
func planKey(phase types.Phase) string   { return string(phase) + "_steps" }
func cursorKey(phase types.Phase) string { return string(phase) + "_step_index" }

// PersistPlan writes a resolved plan and a zero cursor into the node's
// durable driver info. The caller saves the node afterwards.
func PersistPlan(node *types.Node, phase types.Phase, plan []types.Step) {
	if node.DriverInternalInfo == nil {
		node.DriverInternalInfo = make(map[string]interface{})
	}
	node.DriverInternalInfo[planKey(phase)] = plan
	node.DriverInternalInfo[cursorKey(phase)] = 0
}

// ClearPlan removes the plan and cursor for a phase.
func ClearPlan(node *types.Node, phase types.Phase) {
	delete(node.DriverInternalInfo, planKey(phase))
	delete(node.DriverInternalInfo, cursorKey(phase))
}

// LoadPlan reads back the persisted plan and cursor for a phase. It
// returns ok=false when no plan is stored.
func LoadPlan(node *types.Node, phase types.Phase) (plan []types.Step, cursor int, ok bool, err error) {
	raw, present := node.DriverInternalInfo[planKey(phase)]
	if !present {
		return nil, 0, false, nil
	}

	// The value is []types.Step in memory but a generic JSON shape
	// after a store round trip; normalize through JSON either way.
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, 0, false, fmt.Errorf("corrupt %s plan on node %s: %w", phase, node.UUID, err)
	}
	if err := json.Unmarshal(buf, &plan); err != nil {
		return nil, 0, false, fmt.Errorf("corrupt %s plan on node %s: %w", phase, node.UUID, err)
	}

	cursor, err = decodeInt(node.DriverInternalInfo[cursorKey(phase)])
	if err != nil {
		return nil, 0, false, fmt.Errorf("corrupt %s cursor on node %s: %w", phase, node.UUID, err)
	}
	return plan, cursor, true, nil
}

// AdvanceCursor moves the persisted cursor to the next step. The
// caller saves the node afterwards.
func AdvanceCursor(node *types.Node, phase types.Phase, next int) {
	node.DriverInternalInfo[cursorKey(phase)] = next
}

func decodeInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("unexpected cursor type %T", v)
	}
}
