package handoff

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	writes []domain.AgentStatus
	err    error
}

func (f *fakeStatus) SetStatus(_ context.Context, _ string, s domain.AgentStatus) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, s)
	return nil
}

type fakeLog struct {
	msgs []domain.NewMessage
	err  error
}

func (f *fakeLog) Append(_ context.Context, conversationID string, m domain.NewMessage) (domain.Message, error) {
	if f.err != nil {
		return domain.Message{}, f.err
	}
	f.msgs = append(f.msgs, m)
	return domain.Message{ConversationID: conversationID, Text: m.Text, SenderID: m.SenderID}, nil
}

func newTestCoordinator() (*Coordinator, *fakeStatus, *fakeLog) {
	status := &fakeStatus{}
	log := &fakeLog{}
	return NewCoordinator("c1", status, log, "Connecting you now", nil), status, log
}

func TestObserveTransitions(t *testing.T) {
	c, _, _ := newTestCoordinator()
	assert.Equal(t, Indicators{}, c.Indicators())

	ind, changed := c.Observe(domain.AgentStatus{State: domain.AgentWaiting})
	assert.True(t, changed)
	assert.True(t, ind.Waiting)
	assert.False(t, ind.SuppressBot)
	assert.True(t, ind.SuppressEscalationOffer)

	ind, changed = c.Observe(domain.AgentStatus{State: domain.AgentConnected, AgentName: "Sam"})
	assert.True(t, changed)
	assert.Equal(t, Indicators{Connected: true, AgentName: "Sam", SuppressBot: true, SuppressEscalationOffer: true}, ind)

	_, changed = c.Observe(domain.AgentStatus{State: domain.AgentConnected, AgentName: "Sam"})
	assert.False(t, changed)

	ind, changed = c.Observe(domain.AgentStatus{})
	assert.True(t, changed)
	assert.Equal(t, Indicators{}, ind)
}

func TestObserveErrorFailsOpen(t *testing.T) {
	c, _, _ := newTestCoordinator()
	c.Observe(domain.AgentStatus{State: domain.AgentConnected, AgentName: "Sam"})

	ind, changed := c.ObserveError(errors.New("permission denied"))
	assert.True(t, changed)
	assert.False(t, ind.SuppressBot)
	assert.Equal(t, domain.AgentNone, c.Status().State)
}

func TestRequestEscalationIsIdempotent(t *testing.T) {
	c, status, log := newTestCoordinator()
	ctx := context.Background()

	requested, err := c.RequestEscalation(ctx)
	require.NoError(t, err)
	assert.True(t, requested)
	require.Len(t, status.writes, 1)
	assert.Equal(t, domain.AgentWaiting, status.writes[0].State)
	require.Len(t, log.msgs, 1)
	assert.Equal(t, "Connecting you now", log.msgs[0].Text)
	assert.Equal(t, domain.SystemSenderID, log.msgs[0].SenderID)
	assert.Equal(t, domain.KindSystem, log.msgs[0].Kind)

	requested, err = c.RequestEscalation(ctx)
	require.NoError(t, err)
	assert.False(t, requested)

	c.Observe(domain.AgentStatus{State: domain.AgentConnected, AgentName: "Sam"})
	requested, err = c.RequestEscalation(ctx)
	require.NoError(t, err)
	assert.False(t, requested)

	assert.Len(t, status.writes, 1)
	assert.Len(t, log.msgs, 1)
}

func TestRequestEscalationStatusFailure(t *testing.T) {
	c, status, log := newTestCoordinator()
	status.err = errors.New("unavailable")

	requested, err := c.RequestEscalation(context.Background())
	assert.Error(t, err)
	assert.False(t, requested)
	assert.Empty(t, log.msgs)
	assert.Equal(t, domain.AgentNone, c.Status().State)

	// A later attempt can still succeed.
	status.err = nil
	requested, err = c.RequestEscalation(context.Background())
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestRequestEscalationAnnouncementFailure(t *testing.T) {
	c, _, log := newTestCoordinator()
	log.err = errors.New("unavailable")

	requested, err := c.RequestEscalation(context.Background())
	assert.Error(t, err)
	assert.True(t, requested)
	assert.Equal(t, domain.AgentWaiting, c.Status().State)
}

func TestEndReturnsToBot(t *testing.T) {
	c, status, _ := newTestCoordinator()
	c.Observe(domain.AgentStatus{State: domain.AgentConnected, AgentName: "Sam"})

	require.NoError(t, c.End(context.Background()))
	assert.Equal(t, domain.AgentNone, status.writes[len(status.writes)-1].State)
	assert.Equal(t, Indicators{}, c.Indicators())
}
