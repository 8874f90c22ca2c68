// Package merge fuses calibration block descriptors that differ only in
// their arm selections.
//
// The spec generator emits one block per arm, so a weekly document would
// otherwise repeat the same block four times with only "arm=..." strings
// changed. Blocks that are equal up to those strings (and up to the arm
// code at the end of their names) are merged into a single block whose
// arm leaves carry the union of the arm values.
package merge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spectra-drp/pipegen/pkg/types"
)

const (
	nameKey   = "name"
	armPrefix = "arm="
)

// blockNameRe splits a block name into a prefix and a trailing arm code.
// The prefix group is greedy, so only the final character can match.
var blockNameRe = regexp.MustCompile(`\A(.*)(` + armAlternation() + `)\z`)

func armAlternation() string {
	codes := make([]string, len(types.AllArms))
	for i, arm := range types.AllArms {
		codes[i] = regexp.QuoteMeta(string(arm))
	}
	return strings.Join(codes, "|")
}

// Blocks merges mergeable blocks and returns the reduced list.
//
// The grouping is greedy: the first remaining block anchors a group, every
// later block mergeable with the anchor joins it, and the group is merged
// in one step. Blocks that join no group are passed through unchanged.
func Blocks(blocks []*yaml.Node) ([]*yaml.Node, error) {
	pending := make([]*yaml.Node, len(blocks))
	copy(pending, blocks)

	var out []*yaml.Node
	for len(pending) > 0 {
		group := []*yaml.Node{pending[0]}
		var rest []*yaml.Node
		for _, block := range pending[1:] {
			if mergeable(pending[0], block) {
				group = append(group, block)
			} else {
				rest = append(rest, block)
			}
		}
		merged, err := merge(group)
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
		pending = rest
	}

	return out, nil
}

// AddSerialNumbers gives every block a unique name by appending "_1", "_2"
// and so on to groups of blocks sharing a name. A block whose name is
// already unique still gets "_1". The returned list is sorted by the
// original names; the name scalars are rewritten in place.
func AddSerialNumbers(blocks []*yaml.Node) []*yaml.Node {
	out := make([]*yaml.Node, len(blocks))
	copy(out, blocks)
	sort.SliceStable(out, func(i, j int) bool {
		return blockName(out[i]) < blockName(out[j])
	})

	for i := 0; i < len(out); {
		name := blockName(out[i])
		j := i + 1
		for j < len(out) && blockName(out[j]) == name {
			j++
		}
		for k := i; k < j; k++ {
			if node := nameValueNode(out[k]); node != nil {
				node.Value += fmt.Sprintf("_%d", k-i+1)
			}
		}
		i = j
	}

	return out
}

// mergeable reports whether two trees are equal up to "arm=..." strings.
// Name values are excluded from the comparison; merging decides separately
// whether the names themselves can be combined.
func mergeable(a, b *yaml.Node) bool {
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case yaml.SequenceNode:
		if len(a.Content) != len(b.Content) {
			return false
		}
		for i := range a.Content {
			if !mergeable(a.Content[i], b.Content[i]) {
				return false
			}
		}
		return true

	case yaml.MappingNode:
		values := mappingValues(b)
		if len(a.Content)/2 != len(values) {
			return false
		}
		for i := 0; i+1 < len(a.Content); i += 2 {
			key := a.Content[i].Value
			other, ok := values[key]
			if !ok {
				return false
			}
			if key == nameKey {
				continue
			}
			if !mergeable(a.Content[i+1], other) {
				return false
			}
		}
		return true

	default:
		if bothArmStrings(a, b) {
			return true
		}
		return a.Tag == b.Tag && a.Value == b.Value
	}
}

// merge combines a group of mutually mergeable trees into one tree.
// Containers are merged elementwise, arm strings are unioned, names are
// combined by mergeNames, and every other leaf must be identical across
// the whole group.
func merge(nodes []*yaml.Node) (*yaml.Node, error) {
	if len(nodes) == 0 {
		return nil, ErrNoBlocks
	}
	first := nodes[0]

	switch first.Kind {
	case yaml.SequenceNode:
		for _, node := range nodes[1:] {
			if node.Kind != yaml.SequenceNode || len(node.Content) != len(first.Content) {
				return nil, ErrNotMergeable
			}
		}
		out := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for i := range first.Content {
			elems := make([]*yaml.Node, len(nodes))
			for j, node := range nodes {
				elems[j] = node.Content[i]
			}
			merged, err := merge(elems)
			if err != nil {
				return nil, err
			}
			out.Content = append(out.Content, merged)
		}
		return out, nil

	case yaml.MappingNode:
		for _, node := range nodes[1:] {
			if node.Kind != yaml.MappingNode || len(node.Content) != len(first.Content) {
				return nil, ErrNotMergeable
			}
		}
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for i := 0; i+1 < len(first.Content); i += 2 {
			key := first.Content[i].Value
			values := make([]*yaml.Node, len(nodes))
			for j, node := range nodes {
				value := mappingValue(node, key)
				if value == nil {
					return nil, ErrNotMergeable
				}
				values[j] = value
			}

			var merged *yaml.Node
			if key == nameKey {
				name, err := mergeNames(scalarValues(values))
				if err != nil {
					return nil, err
				}
				merged = stringScalar(name)
			} else {
				var err error
				merged, err = merge(values)
				if err != nil {
					return nil, err
				}
			}
			out.Content = append(out.Content, stringScalar(key), merged)
		}
		return out, nil

	default:
		allArm := true
		for _, node := range nodes {
			if node.Kind != first.Kind {
				return nil, ErrNotMergeable
			}
			if !isArmString(node) {
				allArm = false
			}
		}
		if allArm {
			return stringScalar(mergeArmStrings(scalarValues(nodes))), nil
		}
		for _, node := range nodes[1:] {
			if node.Tag != first.Tag || node.Value != first.Value {
				return nil, ErrNotMergeable
			}
		}
		return first, nil
	}
}

// mergeArmStrings unions "arm=..." values. Each value may already carry
// several arm codes joined with "^"; the result holds every code once,
// sorted.
func mergeArmStrings(values []string) string {
	seen := make(map[string]bool)
	var codes []string
	for _, value := range values {
		for _, code := range strings.Split(strings.TrimPrefix(value, armPrefix), "^") {
			if !seen[code] {
				seen[code] = true
				codes = append(codes, code)
			}
		}
	}
	sort.Strings(codes)
	return armPrefix + strings.Join(codes, "^")
}

// mergeNames combines block names of the form "{prefix}{arm}". The prefix
// must be common to all names; the arm codes are sorted and appended to it.
func mergeNames(names []string) (string, error) {
	if len(names) == 0 {
		return "", ErrNoBlocks
	}

	prefix := ""
	codes := make([]string, 0, len(names))
	for i, name := range names {
		m := blockNameRe.FindStringSubmatch(name)
		if m == nil {
			return "", fmt.Errorf("block name %q does not end with an arm code", name)
		}
		if i == 0 {
			prefix = m[1]
		} else if m[1] != prefix {
			return "", fmt.Errorf("%w: %q and %q", ErrNamesNotMergeable, names[0], name)
		}
		codes = append(codes, m[2])
	}
	sort.Strings(codes)

	return prefix + strings.Join(codes, ""), nil
}

// ==================== node helpers ====================

func mappingValues(node *yaml.Node) map[string]*yaml.Node {
	values := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		values[node.Content[i].Value] = node.Content[i+1]
	}
	return values
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// nameValueNode returns the scalar holding a block's name, or nil.
func nameValueNode(block *yaml.Node) *yaml.Node {
	if block.Kind != yaml.MappingNode {
		return nil
	}
	return mappingValue(block, nameKey)
}

func blockName(block *yaml.Node) string {
	if node := nameValueNode(block); node != nil {
		return node.Value
	}
	return ""
}

func scalarValues(nodes []*yaml.Node) []string {
	values := make([]string, len(nodes))
	for i, node := range nodes {
		values[i] = node.Value
	}
	return values
}

func isArmString(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.Tag == "!!str" &&
		strings.HasPrefix(node.Value, armPrefix)
}

func bothArmStrings(a, b *yaml.Node) bool {
	return isArmString(a) && isArmString(b)
}

func stringScalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}
