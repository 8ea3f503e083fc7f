package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioYAML = `
greeting:
  message: Hello there
  options: main
personality:
  name: Pip
  responseDelay: 250
optionSets:
  main:
    - id: track
      label: Track Order
      keywords: [Track, " Status "]
      response: Here is your order
      subOptions: trackSub
    - id: help
      label: Help
      response: Help text
  trackSub:
    - id: back
      label: Back
      back: true
`

func TestParseYAMLResolvesReferences(t *testing.T) {
	t.Parallel()

	table, err := Parse([]byte(scenarioYAML), FormatYAML, Options{})
	require.NoError(t, err)

	assert.Equal(t, "Hello there", table.Greeting())
	assert.Equal(t, "Pip", table.BotName())
	assert.Equal(t, 250*time.Millisecond, table.ResponseDelay())

	main := table.Initial()
	require.NotNil(t, main)
	assert.Equal(t, "main", main.Key)

	track := main.Node("track")
	require.NotNil(t, track)
	assert.Equal(t, []string{"track", "status"}, track.Keywords)
	assert.Same(t, table.Set("trackSub"), track.Next)
	assert.Same(t, main, track.Set())
	assert.False(t, track.Dangling)

	assert.Equal(t, []string{"main", "trackSub"}, keys(table.Sets()))
	assert.Equal(t, 3, table.NodeCount())
	assert.Equal(t, DefaultEscalationOffer, table.Messages().EscalationOffer)
}

func TestParseYAMLKeepsDeclarationOrder(t *testing.T) {
	t.Parallel()

	doc := `
greeting: {message: hi, options: zeta}
optionSets:
  zeta: [{label: Z}]
  alpha: [{label: A}]
  mid: [{label: M}]
`
	table, err := Parse([]byte(doc), FormatYAML, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, keys(table.Sets()))
	assert.Equal(t, "zeta-0", table.Set("zeta").Nodes[0].ID)
}

func TestDanglingReference(t *testing.T) {
	t.Parallel()

	doc := `
greeting: {message: hi, options: main}
optionSets:
  main:
    - id: a
      label: A
      subOptions: nowhere
`
	table, err := Parse([]byte(doc), FormatYAML, Options{})
	require.NoError(t, err)
	node := table.Initial().Node("a")
	assert.True(t, node.Dangling)
	assert.Nil(t, node.Next)
	assert.Equal(t, []DanglingRef{{SetKey: "main", NodeID: "a", Missing: "nowhere"}}, table.Dangling())

	_, err = Parse([]byte(doc), FormatYAML, Options{Strict: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDanglingRef)
}

func TestParseValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"missing greeting", `
greeting: {options: main}
optionSets: {main: [{label: A}]}`},
		{"unknown greeting set", `
greeting: {message: hi, options: nope}
optionSets: {main: [{label: A}]}`},
		{"duplicate ids", `
greeting: {message: hi, options: main}
optionSets: {main: [{id: a, label: A}, {id: a, label: B}]}`},
		{"back and escalate", `
greeting: {message: hi, options: main}
optionSets: {main: [{id: a, label: A, back: true, escalate: true}]}`},
		{"empty label", `
greeting: {message: hi, options: main}
optionSets: {main: [{id: a}]}`},
		{"unknown action", `
greeting: {message: hi, options: main}
optionSets: {main: [{id: a, label: A, action: launch}]}`},
		{"negative delay", `
greeting: {message: hi, options: main}
personality: {responseDelay: -5}
optionSets: {main: [{id: a, label: A}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc), FormatYAML, Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseTOMLAndJSON(t *testing.T) {
	t.Parallel()

	tomlDoc := `
order = ["main", "sub"]

[greeting]
message = "hi"
options = "main"

[personality]
responseDelay = 10

[[optionSets.sub]]
id = "back"
label = "Back"
back = true

[[optionSets.main]]
id = "a"
label = "A"
keywords = ["alpha"]
subOptions = "sub"
`
	table, err := Parse([]byte(tomlDoc), FormatTOML, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "sub"}, keys(table.Sets()))
	assert.True(t, table.Set("sub").Node("back").Back)

	jsonDoc := `{
  "greeting": {"message": "hi", "options": "main"},
  "optionSets": {"main": [{"id": "a", "label": "A", "subOptions": "main"}]}
}`
	table, err = Parse([]byte(jsonDoc), FormatJSON, Options{ResponseDelay: time.Second})
	require.NoError(t, err)
	assert.Same(t, table.Initial(), table.Initial().Node("a").Next)
	assert.Equal(t, time.Second, table.ResponseDelay())
}

func TestLoadBundledRules(t *testing.T) {
	t.Parallel()

	table, err := Load(filepath.Join("..", "..", "rules", "rules.yaml"), Options{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, "main", table.Initial().Key)
	assert.Empty(t, table.Dangling())
	assert.NotEmpty(t, table.EscalationKeywords())
}

func TestLoadUnknownExtension(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.ini")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := Load(path, Options{})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func keys(sets []*OptionSet) []string {
	out := make([]string, 0, len(sets))
	for _, s := range sets {
		out = append(out, s.Key)
	}
	return out
}
