package policy

import (
	"encoding/json"
	"fmt"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// Apply applies typed patch operations to policy content and returns the
// patched copy. The input is never mutated; each touched collection is
// copied structurally (no serialize/deserialize round trip). A malformed
// target fails with a *contracts.ValidationError naming the bad segment —
// there are no silent no-ops.
func Apply(content contracts.PolicyContent, ops []contracts.PatchOp) (contracts.PolicyContent, error) {
	out := cloneContent(content)
	for i, op := range ops {
		if err := applyOne(&out, op); err != nil {
			return contracts.PolicyContent{}, fmt.Errorf("patch op %d: %w", i, err)
		}
	}
	return out, nil
}

func applyOne(c *contracts.PolicyContent, op contracts.PatchOp) error {
	switch op.Target.Collection {
	case "workflows":
		return applyTyped(&c.Workflows, op, func(w contracts.WorkflowItem) string { return w.ID }, workflowField)
	case "templates":
		return applyTyped(&c.Templates, op, func(t contracts.TemplateItem) string { return t.ID }, templateField)
	case "decision_trees":
		return applyTyped(&c.DecisionTrees, op, func(d contracts.DecisionTree) string { return d.ID }, treeField)
	case "constraints":
		return applyTyped(&c.Constraints, op, func(cn contracts.ConstraintItem) string { return cn.ID }, constraintField)
	default:
		return patchErr("unknown collection %q", op.Target.Collection)
	}
}

// fieldSetter mutates one named field of an item, or one key of a map-valued
// field when target.Key is set.
type fieldSetter[T any] func(item *T, target contracts.PatchTarget, op contracts.PatchOperation, value json.RawMessage) error

func applyTyped[T any](items *[]T, op contracts.PatchOp, idOf func(T) string, setField fieldSetter[T]) error {
	t := op.Target

	// Collection-level add.
	if t.ItemID == "" {
		if op.Op != contracts.PatchAdd {
			return patchErr("%s on collection %q requires an item_id", op.Op, t.Collection)
		}
		var item T
		if err := json.Unmarshal(op.Value, &item); err != nil {
			return patchErr("%s: value does not decode as a %s item: %v", t.Collection, t.Collection, err)
		}
		id := idOf(item)
		if id == "" {
			return patchErr("%s: added item has no id", t.Collection)
		}
		if indexOf(*items, id, idOf) >= 0 {
			return patchErr("%s: item %q already exists", t.Collection, id)
		}
		*items = append(*items, item)
		return nil
	}

	idx := indexOf(*items, t.ItemID, idOf)
	if idx < 0 {
		return patchErr("%s: item %q not found", t.Collection, t.ItemID)
	}

	// Item-level operations.
	if t.Field == "" {
		switch op.Op {
		case contracts.PatchRemove:
			*items = append((*items)[:idx], (*items)[idx+1:]...)
			return nil
		case contracts.PatchModify:
			var item T
			if err := json.Unmarshal(op.Value, &item); err != nil {
				return patchErr("%s/%s: value does not decode: %v", t.Collection, t.ItemID, err)
			}
			if idOf(item) != t.ItemID {
				return patchErr("%s/%s: replacement item id %q does not match target", t.Collection, t.ItemID, idOf(item))
			}
			(*items)[idx] = item
			return nil
		default:
			return patchErr("%s on %s/%s: items support MODIFY and REMOVE", op.Op, t.Collection, t.ItemID)
		}
	}

	// Field-level operation, dispatched per item type.
	return setField(&(*items)[idx], t, op.Op, op.Value)
}

func workflowField(w *contracts.WorkflowItem, t contracts.PatchTarget, op contracts.PatchOperation, value json.RawMessage) error {
	if op != contracts.PatchModify {
		return patchErr("%s on workflows/%s/%s: fields support MODIFY only", op, t.ItemID, t.Field)
	}
	switch t.Field {
	case "name":
		return decodeInto(&w.Name, t, value)
	case "description":
		return decodeInto(&w.Description, t, value)
	case "steps":
		return decodeInto(&w.Steps, t, value)
	default:
		return patchErr("workflows/%s: no patchable field %q", t.ItemID, t.Field)
	}
}

func templateField(tpl *contracts.TemplateItem, t contracts.PatchTarget, op contracts.PatchOperation, value json.RawMessage) error {
	if op != contracts.PatchModify {
		return patchErr("%s on templates/%s/%s: fields support MODIFY only", op, t.ItemID, t.Field)
	}
	switch t.Field {
	case "name":
		return decodeInto(&tpl.Name, t, value)
	case "body":
		return decodeInto(&tpl.Body, t, value)
	case "variables":
		return decodeInto(&tpl.Variables, t, value)
	default:
		return patchErr("templates/%s: no patchable field %q", t.ItemID, t.Field)
	}
}

func treeField(d *contracts.DecisionTree, t contracts.PatchTarget, op contracts.PatchOperation, value json.RawMessage) error {
	switch t.Field {
	case "name":
		if op != contracts.PatchModify {
			return patchErr("%s on decision_trees/%s/name: MODIFY only", op, t.ItemID)
		}
		return decodeInto(&d.Name, t, value)
	case "root_node_id":
		if op != contracts.PatchModify {
			return patchErr("%s on decision_trees/%s/root_node_id: MODIFY only", op, t.ItemID)
		}
		return decodeInto(&d.RootNodeID, t, value)
	case "nodes":
		return mapEntry(&d.Nodes, t, op, value)
	default:
		return patchErr("decision_trees/%s: no patchable field %q", t.ItemID, t.Field)
	}
}

func constraintField(c *contracts.ConstraintItem, t contracts.PatchTarget, op contracts.PatchOperation, value json.RawMessage) error {
	switch t.Field {
	case "name":
		if op != contracts.PatchModify {
			return patchErr("%s on constraints/%s/name: MODIFY only", op, t.ItemID)
		}
		return decodeInto(&c.Name, t, value)
	case "rule":
		if op != contracts.PatchModify {
			return patchErr("%s on constraints/%s/rule: MODIFY only", op, t.ItemID)
		}
		return decodeInto(&c.Rule, t, value)
	case "params":
		return mapEntry(&c.Params, t, op, value)
	default:
		return patchErr("constraints/%s: no patchable field %q", t.ItemID, t.Field)
	}
}

// mapEntry handles ADD/MODIFY/REMOVE of a single key inside a map-valued
// field, or MODIFY of the whole map when no key is given.
func mapEntry[V any](m *map[string]V, t contracts.PatchTarget, op contracts.PatchOperation, value json.RawMessage) error {
	if t.Key == "" {
		if op != contracts.PatchModify {
			return patchErr("%s on %s/%s/%s: whole-map changes support MODIFY only", op, t.Collection, t.ItemID, t.Field)
		}
		return decodeInto(m, t, value)
	}

	cp := make(map[string]V, len(*m)+1)
	for k, v := range *m {
		cp[k] = v
	}
	_, exists := cp[t.Key]
	switch op {
	case contracts.PatchAdd:
		if exists {
			return patchErr("%s/%s/%s: key %q already exists", t.Collection, t.ItemID, t.Field, t.Key)
		}
	case contracts.PatchModify:
		if !exists {
			return patchErr("%s/%s/%s: key %q not found", t.Collection, t.ItemID, t.Field, t.Key)
		}
	case contracts.PatchRemove:
		if !exists {
			return patchErr("%s/%s/%s: key %q not found", t.Collection, t.ItemID, t.Field, t.Key)
		}
		delete(cp, t.Key)
		*m = cp
		return nil
	}
	var v V
	if err := json.Unmarshal(value, &v); err != nil {
		return patchErr("%s/%s/%s/%s: value does not decode: %v", t.Collection, t.ItemID, t.Field, t.Key, err)
	}
	cp[t.Key] = v
	*m = cp
	return nil
}

func decodeInto(dst any, t contracts.PatchTarget, value json.RawMessage) error {
	if err := json.Unmarshal(value, dst); err != nil {
		return patchErr("%s/%s/%s: value does not decode: %v", t.Collection, t.ItemID, t.Field, err)
	}
	return nil
}

func indexOf[T any](items []T, id string, idOf func(T) string) int {
	for i, it := range items {
		if idOf(it) == id {
			return i
		}
	}
	return -1
}

func patchErr(format string, args ...any) error {
	return &contracts.ValidationError{Issues: []string{fmt.Sprintf(format, args...)}}
}

// cloneContent makes a structural copy deep enough that patching the copy
// never aliases the original's slices or maps.
func cloneContent(c contracts.PolicyContent) contracts.PolicyContent {
	out := contracts.PolicyContent{}
	if c.Workflows != nil {
		out.Workflows = make([]contracts.WorkflowItem, len(c.Workflows))
		for i, w := range c.Workflows {
			w.Steps = cloneSteps(w.Steps)
			out.Workflows[i] = w
		}
	}
	if c.Templates != nil {
		out.Templates = make([]contracts.TemplateItem, len(c.Templates))
		for i, t := range c.Templates {
			t.Variables = append([]string(nil), t.Variables...)
			out.Templates[i] = t
		}
	}
	if c.DecisionTrees != nil {
		out.DecisionTrees = make([]contracts.DecisionTree, len(c.DecisionTrees))
		for i, d := range c.DecisionTrees {
			nodes := make(map[string]contracts.TreeNode, len(d.Nodes))
			for k, n := range d.Nodes {
				n.Branches = cloneStringMap(n.Branches)
				nodes[k] = n
			}
			d.Nodes = nodes
			out.DecisionTrees[i] = d
		}
	}
	if c.Constraints != nil {
		out.Constraints = make([]contracts.ConstraintItem, len(c.Constraints))
		for i, cn := range c.Constraints {
			cn.Params = cloneAnyMap(cn.Params)
			out.Constraints[i] = cn
		}
	}
	return out
}

func cloneSteps(steps []contracts.WorkflowStep) []contracts.WorkflowStep {
	if steps == nil {
		return nil
	}
	out := make([]contracts.WorkflowStep, len(steps))
	for i, s := range steps {
		s.Params = cloneAnyMap(s.Params)
		out[i] = s
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
