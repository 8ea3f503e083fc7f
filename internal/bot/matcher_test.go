package bot

import (
	"errors"
	"testing"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEscalation(t *testing.T) {
	m, err := NewMatcher(nil, 0)
	require.NoError(t, err)

	tests := []struct {
		input string
		want  bool
	}{
		{"I want a live agent", true},
		{"  LIVE   AGENT  ", true},
		{"is there a real person there?", true},
		{"Representative!", true},
		{"that was humane of you", false},
		{"track my order", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.IsEscalation(tt.input), "input %q", tt.input)
	}
}

func TestCustomEscalationKeywords(t *testing.T) {
	m, err := NewMatcher([]string{"talk to someone", "Manager"}, 0)
	require.NoError(t, err)
	assert.True(t, m.IsEscalation("can I talk to someone"))
	assert.True(t, m.IsEscalation("get me your manager"))
	assert.False(t, m.IsEscalation("human"))

	_, err = NewMatcher([]string{"  "}, 0)
	assert.Error(t, err)
}

func TestOrderID(t *testing.T) {
	m, err := NewMatcher(nil, 0)
	require.NoError(t, err)

	id, ok := m.OrderID("where is HZecNPxLRkDXzgkDDVyp?")
	require.True(t, ok)
	assert.Equal(t, "HZecNPxLRkDXzgkDDVyp", id)

	_, ok = m.OrderID("HZecNPxLRkDXzgkDDVypX")
	assert.False(t, ok, "21 characters is not an order id")
	_, ok = m.OrderID("HZecNPxLRkDXzgkDDVy")
	assert.False(t, ok, "19 characters is not an order id")

	short, err := NewMatcher(nil, 6)
	require.NoError(t, err)
	id, ok = short.OrderID("order ab12cd please")
	require.True(t, ok)
	assert.Equal(t, "ab12cd", id)
}

func TestMatchNodeEmptyText(t *testing.T) {
	table := testTable(t)
	m, err := NewMatcher(nil, 0)
	require.NoError(t, err)
	assert.Nil(t, m.MatchNode(table, table.Initial(), "   "))
}

func TestMatchNodeKeywordsAtWordBoundaries(t *testing.T) {
	table := testTable(t)
	m, err := NewMatcher(nil, 0)
	require.NoError(t, err)

	tests := []struct {
		input string
		want  string
	}{
		{"where is my parcel, status?", "track"},
		{"Tracking please", "track"},
		{"show my, orders", "orders"},
		{"I ate chocolate", ""},
		{"restatus", ""},
		{"ordersmy", ""},
	}
	for _, tt := range tests {
		n := m.MatchNode(table, table.Initial(), tt.input)
		if tt.want == "" {
			assert.Nil(t, n, "input %q", tt.input)
			continue
		}
		require.NotNil(t, n, "input %q", tt.input)
		assert.Equal(t, tt.want, n.ID, "input %q", tt.input)
	}
}

func TestOrderReplies(t *testing.T) {
	msgs := rules.Messages{
		OrderLookupError: "sorry",
		OrderNotFound:    "no order %s",
		OrdersEmpty:      "none yet",
	}

	assert.Equal(t, "sorry", OrderReply(msgs, "X", nil, errors.New("boom")))
	assert.Equal(t, "no order X", OrderReply(msgs, "X", nil, nil))

	placed := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	text := OrderReply(msgs, "X", &domain.Order{ID: "X", Status: "PREPARING", TotalCents: 5, PlacedAt: placed}, nil)
	assert.Contains(t, text, "Order X is preparing.")
	assert.Contains(t, text, "Total: 0.05")
	assert.NotContains(t, text, "Estimated arrival")

	assert.Equal(t, "none yet", OrdersListReply(msgs, "Recent:", nil, nil))
	assert.Equal(t, "sorry", OrdersListReply(msgs, "Recent:", nil, errors.New("boom")))
	list := OrdersListReply(msgs, "", []domain.Order{{ID: "A", TotalCents: -150, Currency: "eur", PlacedAt: placed}}, nil)
	assert.Equal(t, "- A: being processed, -1.50 EUR (placed Mar 4)", list)
}
