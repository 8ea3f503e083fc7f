package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalid wraps every schema validation failure.
	ErrInvalid = errors.New("invalid rule table")
	// ErrDanglingRef is returned in strict mode when a subOptions key does
	// not name an option set.
	ErrDanglingRef = errors.New("dangling option set reference")
	// ErrUnknownFormat is returned for unsupported file extensions.
	ErrUnknownFormat = errors.New("unknown rule table format")
)

// Format is the encoding of a rule table file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// Default canned texts, used when the table leaves them empty.
const (
	DefaultEscalationOffer     = "Would you like to chat with a live agent?"
	DefaultHandoffAnnouncement = "Connecting you with a live agent. Someone will be with you shortly."
	DefaultOrderLookupError    = "Sorry, I couldn't look up that order right now. Please try again in a moment."
	DefaultOrderNotFound       = "I couldn't find an order with ID %s on your account."
	DefaultOrdersEmpty         = "You don't have any orders yet."
	DefaultBotName             = "Support Bot"
)

// Options controls loading.
type Options struct {
	// Strict turns dangling subOptions references into a load error.
	Strict bool
	// ResponseDelay overrides personality.responseDelay when positive.
	ResponseDelay time.Duration
}

type rawNode struct {
	ID         string   `yaml:"id" json:"id" toml:"id"`
	Label      string   `yaml:"label" json:"label" toml:"label"`
	Icon       string   `yaml:"icon" json:"icon" toml:"icon"`
	Keywords   []string `yaml:"keywords" json:"keywords" toml:"keywords"`
	Response   string   `yaml:"response" json:"response" toml:"response"`
	SubOptions string   `yaml:"subOptions" json:"subOptions" toml:"subOptions"`
	Back       bool     `yaml:"back" json:"back" toml:"back"`
	Escalate   bool     `yaml:"escalate" json:"escalate" toml:"escalate"`
	Action     string   `yaml:"action" json:"action" toml:"action"`
}

type rawTable struct {
	Greeting struct {
		Message string `yaml:"message" json:"message" toml:"message"`
		Options string `yaml:"options" json:"options" toml:"options"`
	} `yaml:"greeting" json:"greeting" toml:"greeting"`
	Personality struct {
		Name          string `yaml:"name" json:"name" toml:"name"`
		ResponseDelay int    `yaml:"responseDelay" json:"responseDelay" toml:"responseDelay"`
	} `yaml:"personality" json:"personality" toml:"personality"`
	Messages struct {
		EscalationOffer     string `yaml:"escalationOffer" json:"escalationOffer" toml:"escalationOffer"`
		HandoffAnnouncement string `yaml:"handoffAnnouncement" json:"handoffAnnouncement" toml:"handoffAnnouncement"`
		OrderLookupError    string `yaml:"orderLookupError" json:"orderLookupError" toml:"orderLookupError"`
		OrderNotFound       string `yaml:"orderNotFound" json:"orderNotFound" toml:"orderNotFound"`
		OrdersEmpty         string `yaml:"ordersEmpty" json:"ordersEmpty" toml:"ordersEmpty"`
	} `yaml:"messages" json:"messages" toml:"messages"`
	Escalation struct {
		Keywords []string `yaml:"keywords" json:"keywords" toml:"keywords"`
	} `yaml:"escalation" json:"escalation" toml:"escalation"`
	// Order lists option set keys in declaration order for formats whose
	// maps are unordered. YAML files may omit it.
	Order      []string             `yaml:"order" json:"order" toml:"order"`
	OptionSets map[string][]rawNode `yaml:"optionSets" json:"optionSets" toml:"optionSets"`
}

// Load reads a rule table from path, choosing the decoder by extension.
func Load(path string, opts Options) (*Table, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table: %w", err)
	}
	table, err := Parse(data, format, opts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return table, nil
}

// FormatFromPath maps a file extension to a Format.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
}

// Parse decodes and validates a rule table.
func Parse(data []byte, format Format, opts Options) (*Table, error) {
	var (
		raw   rawTable
		order []string
	)
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		keys, err := yamlSetOrder(data)
		if err != nil {
			return nil, err
		}
		order = keys
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if len(raw.Order) > 0 {
		order = raw.Order
	}
	return build(&raw, setOrder(raw.OptionSets, order), opts)
}

// yamlSetOrder returns the optionSets keys in document order.
func yamlSetOrder(data []byte) ([]string, error) {
	var doc struct {
		OptionSets yaml.Node `yaml:"optionSets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if doc.OptionSets.Kind != yaml.MappingNode {
		return nil, nil
	}
	keys := make([]string, 0, len(doc.OptionSets.Content)/2)
	for i := 0; i+1 < len(doc.OptionSets.Content); i += 2 {
		keys = append(keys, doc.OptionSets.Content[i].Value)
	}
	return keys, nil
}

// setOrder merges an explicit order with the map keys: listed keys first,
// anything unlisted afterwards in sorted order.
func setOrder(sets map[string][]rawNode, explicit []string) []string {
	seen := make(map[string]bool, len(sets))
	out := make([]string, 0, len(sets))
	for _, k := range explicit {
		if _, ok := sets[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	var rest []string
	for k := range sets {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func build(raw *rawTable, order []string, opts Options) (*Table, error) {
	t := &Table{
		botName:            orDefault(raw.Personality.Name, DefaultBotName),
		greeting:           strings.TrimSpace(raw.Greeting.Message),
		responseDelay:      time.Duration(raw.Personality.ResponseDelay) * time.Millisecond,
		escalationKeywords: normalizeKeywords(raw.Escalation.Keywords),
		byKey:              make(map[string]*OptionSet, len(raw.OptionSets)),
		messages: Messages{
			EscalationOffer:     orDefault(raw.Messages.EscalationOffer, DefaultEscalationOffer),
			HandoffAnnouncement: orDefault(raw.Messages.HandoffAnnouncement, DefaultHandoffAnnouncement),
			OrderLookupError:    orDefault(raw.Messages.OrderLookupError, DefaultOrderLookupError),
			OrderNotFound:       orDefault(raw.Messages.OrderNotFound, DefaultOrderNotFound),
			OrdersEmpty:         orDefault(raw.Messages.OrdersEmpty, DefaultOrdersEmpty),
		},
	}
	if opts.ResponseDelay > 0 {
		t.responseDelay = opts.ResponseDelay
	}

	var errs []error
	if t.greeting == "" {
		errs = append(errs, fmt.Errorf("%w: greeting.message is empty", ErrInvalid))
	}
	if raw.Personality.ResponseDelay < 0 {
		errs = append(errs, fmt.Errorf("%w: personality.responseDelay must be >= 0", ErrInvalid))
	}

	// First pass creates every set so references can resolve in any order.
	for _, key := range order {
		set := &OptionSet{Key: key}
		t.sets = append(t.sets, set)
		t.byKey[key] = set
	}

	for _, set := range t.sets {
		ids := make(map[string]bool)
		for i, rn := range raw.OptionSets[set.Key] {
			node, err := buildNode(set, i, rn)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ids[node.ID] {
				errs = append(errs, fmt.Errorf("%w: option set %q: duplicate node id %q", ErrInvalid, set.Key, node.ID))
				continue
			}
			ids[node.ID] = true

			if node.NextKey != "" {
				next, ok := t.byKey[node.NextKey]
				if !ok {
					ref := DanglingRef{SetKey: set.Key, NodeID: node.ID, Missing: node.NextKey}
					if opts.Strict {
						errs = append(errs, fmt.Errorf("%w: %s/%s -> %q", ErrDanglingRef, ref.SetKey, ref.NodeID, ref.Missing))
					}
					t.dangling = append(t.dangling, ref)
					node.Dangling = true
				}
				node.Next = next
			}
			set.Nodes = append(set.Nodes, node)
		}
	}

	greetingKey := strings.TrimSpace(raw.Greeting.Options)
	if greetingKey == "" {
		errs = append(errs, fmt.Errorf("%w: greeting.options is empty", ErrInvalid))
	} else if t.initial = t.byKey[greetingKey]; t.initial == nil {
		errs = append(errs, fmt.Errorf("%w: greeting.options %q is not an option set", ErrInvalid, greetingKey))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return t, nil
}

func buildNode(set *OptionSet, index int, rn rawNode) (*OptionNode, error) {
	node := &OptionNode{
		ID:       strings.TrimSpace(rn.ID),
		Label:    strings.TrimSpace(rn.Label),
		Icon:     rn.Icon,
		Keywords: normalizeKeywords(rn.Keywords),
		Response: strings.TrimSpace(rn.Response),
		NextKey:  strings.TrimSpace(rn.SubOptions),
		Back:     rn.Back,
		Escalate: rn.Escalate,
		Action:   Action(strings.TrimSpace(rn.Action)),
		set:      set,
	}
	if node.ID == "" {
		// Nodes without ids are addressed by position.
		node.ID = fmt.Sprintf("%s-%d", set.Key, index)
	}
	if node.Label == "" {
		return nil, fmt.Errorf("%w: option set %q: node %q has no label", ErrInvalid, set.Key, node.ID)
	}
	if node.Back && node.Escalate {
		return nil, fmt.Errorf("%w: option set %q: node %q is both back and escalate", ErrInvalid, set.Key, node.ID)
	}
	if node.Back && node.NextKey != "" {
		return nil, fmt.Errorf("%w: option set %q: back node %q cannot have subOptions", ErrInvalid, set.Key, node.ID)
	}
	switch node.Action {
	case ActionNone, ActionListOrders:
	default:
		return nil, fmt.Errorf("%w: option set %q: node %q has unknown action %q", ErrInvalid, set.Key, node.ID, node.Action)
	}
	return node, nil
}

func normalizeKeywords(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
