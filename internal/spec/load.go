package spec

// ============================================================================
// YAML Loader / Validator
// Purpose: Convert raw YAML mappings into spec entities, rejecting unknown
// keys anywhere in the document. Errors carry the offending block's name.
// ============================================================================

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a reduction-spec YAML document from a file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse validates a reduction-spec YAML document held in memory.
func Parse(data []byte) (*File, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("spec: document must be a mapping")
	}
	doc := resolved(root.Content[0])
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("spec: document must be a mapping, not a %s", kindName(doc))
	}

	file := &File{}
	var unknown []string
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		val := resolved(doc.Content[i+1])

		switch key {
		case "init":
			if isNull(val) {
				continue
			}
			init, err := initFromNode(val)
			if err != nil {
				return nil, err
			}
			file.Init = init

		case "calibBlock":
			if val.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("spec: calibBlock must be a list, not a %s", kindName(val))
			}
			for _, item := range val.Content {
				block, err := calibBlockFromNode(resolved(item))
				if err != nil {
					return nil, err
				}
				file.CalibBlocks = append(file.CalibBlocks, block)
			}

		case "scienceBlock":
			if val.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("spec: scienceBlock must be a list, not a %s", kindName(val))
			}
			for _, item := range val.Content {
				block, err := scienceBlockFromNode(resolved(item))
				if err != nil {
					return nil, err
				}
				file.ScienceBlocks = append(file.ScienceBlocks, block)
			}

		default:
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: global keys %v", ErrInvalidKeys, unknown)
	}
	return file, nil
}

func initFromNode(n *yaml.Node) (*InitSource, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("spec: init must be a mapping, not a %s", kindName(n))
	}

	init := &InitSource{}
	var haveDir, haveFmt, haveArms bool
	var unknown []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := resolved(n.Content[i+1])

		var err error
		switch key {
		case "dirName":
			init.DirName, err = stringScalar(val, key)
			haveDir = true
		case "detectorMapFmt":
			init.DetectorMapFmt, err = stringScalar(val, key)
			haveFmt = true
		case "arms":
			init.Arms, err = stringList(val, key)
			haveArms = true
		default:
			unknown = append(unknown, key)
		}
		if err != nil {
			return nil, fmt.Errorf("init block: %w", err)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w for init: %v", ErrInvalidKeys, unknown)
	}
	if !haveDir || !haveFmt || !haveArms {
		return nil, fmt.Errorf("spec: init block needs dirName, detectorMapFmt and arms")
	}
	return init, nil
}

func calibBlockFromNode(n *yaml.Node) (*CalibBlock, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("spec: calib block must be a mapping, not a %s", kindName(n))
	}
	name := mappingName(n)
	if name == "" {
		return nil, fmt.Errorf("%w (calibBlock)", ErrMissingName)
	}

	block := &CalibBlock{Name: name, Sources: make(map[CalibType]*CalibSource)}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if key == "name" {
			continue
		}
		if !KnownCalibType(key) {
			return nil, fmt.Errorf("calib block %q: unknown calib type %q", name, key)
		}
		src, err := calibSourceFromNode(CalibType(key), resolved(n.Content[i+1]))
		if err != nil {
			return nil, fmt.Errorf("calib block %q: %w", name, err)
		}
		block.Sources[CalibType(key)] = src
	}
	return block, nil
}

func calibSourceFromNode(ct CalibType, n *yaml.Node) (*CalibSource, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("spec: %s must be a mapping, not a %s", ct, kindName(n))
	}
	if ct == CalibBootstrap {
		return bootstrapFromNode(n)
	}

	src := &CalibSource{Type: ct, Validity: DefaultCalibValidity}
	var unknown []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := resolved(n.Content[i+1])

		var err error
		switch key {
		case "config":
			src.Config.Configs, err = keyValueList(val, key)
		case "configfile":
			src.Config.ConfigFile, err = stringScalar(val, key)
		case "id":
			src.Source.IDs, err = keyValueList(val, key)
		case "validity":
			src.Validity, err = intScalar(val, key)
		case "normId":
			if ct != CalibFiberProfiles {
				unknown = append(unknown, key)
				continue
			}
			src.Norm.IDs, err = keyValueList(val, key)
		default:
			unknown = append(unknown, key)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ct, err)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w for %s: %v", ErrInvalidKeys, ct, unknown)
	}
	return src, nil
}

func bootstrapFromNode(n *yaml.Node) (*CalibSource, error) {
	src := &CalibSource{Type: CalibBootstrap, Validity: DefaultCalibValidity}
	var unknown []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := resolved(n.Content[i+1])

		switch key {
		case "group":
			if val.Kind != yaml.SequenceNode {
				return nil, fmt.Errorf("spec: bootstrap group must be a list, not a %s", kindName(val))
			}
			for _, item := range val.Content {
				group, err := bootstrapGroupFromNode(resolved(item))
				if err != nil {
					return nil, err
				}
				src.Groups = append(src.Groups, group)
			}
		case "validity":
			v, err := intScalar(val, key)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: %w", err)
			}
			src.Validity = v
		default:
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w for bootstrap: %v", ErrInvalidKeys, unknown)
	}
	return src, nil
}

func bootstrapGroupFromNode(n *yaml.Node) (BootstrapGroup, error) {
	var group BootstrapGroup
	if n.Kind != yaml.MappingNode {
		return group, fmt.Errorf("spec: bootstrap group entry must be a mapping, not a %s", kindName(n))
	}

	var unknown []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := resolved(n.Content[i+1])

		var err error
		switch key {
		case "config":
			group.Config.Configs, err = keyValueList(val, key)
		case "configfile":
			group.Config.ConfigFile, err = stringScalar(val, key)
		case "flatId":
			group.Flat.IDs, err = keyValueList(val, key)
		case "arcId":
			group.Arc.IDs, err = keyValueList(val, key)
		default:
			unknown = append(unknown, key)
		}
		if err != nil {
			return group, fmt.Errorf("bootstrap group: %w", err)
		}
	}
	if len(unknown) > 0 {
		return group, fmt.Errorf(`%w for bootstrap["group"]: %v`, ErrInvalidKeys, unknown)
	}
	return group, nil
}

func scienceBlockFromNode(n *yaml.Node) (*ScienceBlock, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("spec: science block must be a mapping, not a %s", kindName(n))
	}
	name := mappingName(n)
	if name == "" {
		return nil, fmt.Errorf("%w (scienceBlock)", ErrMissingName)
	}

	block := &ScienceBlock{
		Name:     name,
		Policies: make(map[ScienceStep]CommandConfig, len(ScienceStepOrder)),
	}
	// Every step starts with the default empty config.
	for _, st := range ScienceStepOrder {
		block.Policies[st] = CommandConfig{}
	}

	var unknown []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := resolved(n.Content[i+1])

		switch key {
		case "name":
		case "id":
			ids, err := keyValueList(val, key)
			if err != nil {
				return nil, fmt.Errorf("science block %q: %w", name, err)
			}
			block.Source.IDs = ids
		case "policy":
			if err := policiesFromNode(val, block.Policies); err != nil {
				return nil, fmt.Errorf("science block %q: %w", name, err)
			}
		default:
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("science block %q: %w: %v", name, ErrInvalidKeys, unknown)
	}
	return block, nil
}

func policiesFromNode(n *yaml.Node, policies map[ScienceStep]CommandConfig) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("spec: policy must be a mapping, not a %s", kindName(n))
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := resolved(n.Content[i+1])

		if !KnownScienceStep(key) {
			return fmt.Errorf("spec: unknown science step %q", key)
		}
		config, err := stepConfigFromNode(key, val)
		if err != nil {
			return err
		}
		policies[ScienceStep(key)] = config
	}
	return nil
}

func stepConfigFromNode(step string, n *yaml.Node) (CommandConfig, error) {
	var config CommandConfig
	if n.Kind != yaml.MappingNode {
		return config, fmt.Errorf("spec: %s policy must be a mapping, not a %s", step, kindName(n))
	}

	var unknown []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		val := resolved(n.Content[i+1])

		var err error
		switch key {
		case "config":
			config.Configs, err = keyValueList(val, key)
		case "configfile":
			config.ConfigFile, err = stringScalar(val, key)
		default:
			unknown = append(unknown, key)
		}
		if err != nil {
			return config, fmt.Errorf("%s: %w", step, err)
		}
	}
	if len(unknown) > 0 {
		return config, fmt.Errorf("%w for %s: %v", ErrInvalidKeys, step, unknown)
	}
	return config, nil
}

// ============================================================================
// Node helpers
// ============================================================================

func resolved(n *yaml.Node) *yaml.Node {
	if n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		return n.Alias
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func kindName(n *yaml.Node) string {
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "list"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown node"
}

// mappingName returns the value of the "name" key of a mapping node, or ""
// when the key is absent or not a plain scalar.
func mappingName(n *yaml.Node) string {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "name" {
			val := resolved(n.Content[i+1])
			if val.Kind == yaml.ScalarNode {
				return val.Value
			}
			return ""
		}
	}
	return ""
}

func stringScalar(n *yaml.Node, key string) (string, error) {
	if n.Kind != yaml.ScalarNode || n.Tag != "!!str" {
		return "", fmt.Errorf("%q must be a string", key)
	}
	return n.Value, nil
}

func intScalar(n *yaml.Node, key string) (int, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("%q must be an integer", key)
	}
	v, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("%q must be an integer: %q", key, n.Value)
	}
	return v, nil
}

// stringList accepts a sequence of scalars and returns their values.
func stringList(n *yaml.Node, key string) ([]string, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%q must be a list of string", key)
	}
	values := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		item = resolved(item)
		if item.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%q must be a list of string", key)
		}
		values = append(values, item.Value)
	}
	return values, nil
}

// keyValueList accepts a string scalar or a sequence of scalars, checks each
// entry for "key=value" form and returns the entries.
func keyValueList(n *yaml.Node, key string) ([]string, error) {
	var items []string
	switch {
	case n.Kind == yaml.ScalarNode && n.Tag == "!!str":
		items = []string{n.Value}
	case n.Kind == yaml.SequenceNode:
		for _, item := range n.Content {
			item = resolved(item)
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%q must be a string or a list of string", key)
			}
			items = append(items, item.Value)
		}
	default:
		return nil, fmt.Errorf("%q must be a string or a list of string", key)
	}

	for _, item := range items {
		if _, err := EnsureKeyEqValue(item); err != nil {
			return nil, err
		}
	}
	return items, nil
}
