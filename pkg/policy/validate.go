// Package policy implements the versioned policy layer: structural
// validation of policy content, canonical diffing between versions, typed
// patch application, and the version store with single-active activation
// semantics.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// contentSchema is the structural half of validation: every item in every
// collection must carry a non-empty id and name, templates a body, decision
// trees a root and nodes. Referential rules (root resolvable, variables
// declared) are checked in Go below.
const contentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"workflows": {"type": "array", "items": {"$ref": "#/$defs/item"}},
		"templates": {
			"type": "array",
			"items": {"allOf": [{"$ref": "#/$defs/item"}, {"required": ["body"]}]}
		},
		"decision_trees": {
			"type": "array",
			"items": {"allOf": [{"$ref": "#/$defs/item"}, {"required": ["root_node_id", "nodes"]}]}
		},
		"constraints": {"type": "array", "items": {"$ref": "#/$defs/item"}}
	},
	"$defs": {
		"item": {
			"type": "object",
			"required": ["id", "name"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"name": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://crewline.schemas.local/policy/content.schema.json"
	if err := c.AddResource(url, strings.NewReader(contentSchema)); err != nil {
		panic(fmt.Sprintf("policy content schema load failed: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("policy content schema compile failed: %v", err))
	}
	return s
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Validate checks policy content structurally and referentially. It returns
// a *contracts.ValidationError carrying every issue found, or nil.
func Validate(content contracts.PolicyContent) error {
	issues := schemaIssues(content)
	issues = append(issues, referentialIssues(content)...)
	if len(issues) > 0 {
		return &contracts.ValidationError{Issues: issues}
	}
	return nil
}

func schemaIssues(content contracts.PolicyContent) []string {
	raw, err := json.Marshal(content)
	if err != nil {
		return []string{fmt.Sprintf("content not serializable: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("content not deserializable: %v", err)}
	}
	err = compiledSchema.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	issues := flattenSchemaError(ve)
	sort.Strings(issues)
	return issues
}

func flattenSchemaError(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flattenSchemaError(c)...)
	}
	return out
}

func referentialIssues(content contracts.PolicyContent) []string {
	var issues []string

	checkDup := func(collection string, ids []string) {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if id == "" {
				continue // schema already flags empty ids
			}
			if seen[id] {
				issues = append(issues, fmt.Sprintf("%s: duplicate item id %q", collection, id))
			}
			seen[id] = true
		}
	}

	wfIDs := make([]string, 0, len(content.Workflows))
	for _, w := range content.Workflows {
		wfIDs = append(wfIDs, w.ID)
		for i, s := range w.Steps {
			if s.ID == "" || s.Action == "" {
				issues = append(issues, fmt.Sprintf("workflows/%s: step %d missing id or action", w.ID, i))
			}
		}
	}
	checkDup("workflows", wfIDs)

	tplIDs := make([]string, 0, len(content.Templates))
	for _, t := range content.Templates {
		tplIDs = append(tplIDs, t.ID)
		declared := make(map[string]bool, len(t.Variables))
		for _, v := range t.Variables {
			declared[v] = true
		}
		for _, m := range templateVarPattern.FindAllStringSubmatch(t.Body, -1) {
			if !declared[m[1]] {
				issues = append(issues, fmt.Sprintf("templates/%s: undeclared variable %q", t.ID, m[1]))
			}
		}
	}
	checkDup("templates", tplIDs)

	treeIDs := make([]string, 0, len(content.DecisionTrees))
	for _, dt := range content.DecisionTrees {
		treeIDs = append(treeIDs, dt.ID)
		if _, ok := dt.Nodes[dt.RootNodeID]; !ok {
			issues = append(issues, fmt.Sprintf("decision_trees/%s: root node %q not present in nodes", dt.ID, dt.RootNodeID))
		}
		for nodeID, n := range dt.Nodes {
			for answer, next := range n.Branches {
				if _, ok := dt.Nodes[next]; !ok {
					issues = append(issues, fmt.Sprintf("decision_trees/%s: node %q branch %q targets unknown node %q", dt.ID, nodeID, answer, next))
				}
			}
		}
	}
	checkDup("decision_trees", treeIDs)

	cIDs := make([]string, 0, len(content.Constraints))
	for _, c := range content.Constraints {
		cIDs = append(cIDs, c.ID)
	}
	checkDup("constraints", cIDs)

	sort.Strings(issues)
	return issues
}
