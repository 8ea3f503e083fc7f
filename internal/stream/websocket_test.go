package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/parcel-chat/internal/api"
	"github.com/ashureev/parcel-chat/internal/bot"
	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/identity"
	"github.com/ashureev/parcel-chat/internal/orders"
	"github.com/ashureev/parcel-chat/internal/realtime"
	"github.com/ashureev/parcel-chat/internal/rules"
	"github.com/ashureev/parcel-chat/internal/session"
	"github.com/ashureev/parcel-chat/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `
greeting:
  message: "Welcome to Parcel support"
  options: main
personality:
  name: Pip
  responseDelay: 0
optionSets:
  main:
    - {id: track, label: Track Order, keywords: [track], response: "Send me your order ID", subOptions: trackSub}
  trackSub:
    - {id: back, label: Back, back: true}
`

// frame is the union of every frame the server sends.
type frame struct {
	Type      string               `json:"type"`
	View      *session.View        `json:"view"`
	Messages  []domain.Message     `json:"messages"`
	Options   *session.OptionsView `json:"options"`
	Requested *bool                `json:"requested"`
	Error     string               `json:"error"`
}

type fixture struct {
	srv      *httptest.Server
	mgr      *session.Manager
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newLimitedFixture(t, nil)
}

func newLimitedFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "stream.db"))
	require.NoError(t, err)
	table, err := rules.Parse([]byte(testRules), rules.FormatYAML, rules.Options{})
	require.NoError(t, err)
	matcher, err := bot.NewMatcher(nil, bot.DefaultOrderIDLength)
	require.NoError(t, err)

	hub := realtime.NewHub(repo, 50, nil)
	mgr := session.NewManager(session.Deps{
		Channels: hub,
		Orders:   orders.NewLocal(repo),
		Table:    table,
		Matcher:  matcher,
	}, session.Config{})
	registry := NewRegistry(nil)
	ws := NewWebSocketHandler(mgr, hub, registry, limiter, []string{"https://shop.example"}, false, nil)

	// Tests identify themselves by query string.
	withUser := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), q.Get("user"), "Ann", q.Get("session_id"))))
		})
	}
	srv := httptest.NewServer(withUser(ws))
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
		mgr.Close()
		hub.Close()
		_ = repo.Close()
	})
	return &fixture{srv: srv, mgr: mgr, registry: registry}
}

func (f *fixture) dial(t *testing.T, user, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/chat?user=" + user + "&session_id=" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var f frame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		if match(f) {
			return f
		}
	}
}

// readAll reads frames until every predicate has matched one, in any order,
// and returns the matched frames in predicate order.
func readAll(t *testing.T, conn *websocket.Conn, preds ...func(frame) bool) []frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	out := make([]frame, len(preds))
	found := make([]bool, len(preds))
	remaining := len(preds)
	for remaining > 0 {
		var f frame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		for i, p := range preds {
			if !found[i] && p(f) {
				out[i], found[i] = f, true
				remaining--
			}
		}
	}
	return out
}

func send(t *testing.T, conn *websocket.Conn, v inbound) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func snapshotHas(kind domain.MessageKind, text string) func(frame) bool {
	return func(f frame) bool {
		if f.Type != string(session.EventSnapshot) {
			return false
		}
		for _, m := range f.Messages {
			if m.Kind == kind && m.Text == text {
				return true
			}
		}
		return false
	}
}

func TestStreamHelloAndGreeting(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1", "tab1")

	hello := readUntil(t, conn, func(fr frame) bool { return fr.Type == "hello" })
	require.NotNil(t, hello.View)
	assert.Equal(t, "u1", hello.View.ConversationID)
	assert.False(t, hello.View.Greeted)
	assert.Equal(t, 1, f.registry.Count("u1"))

	send(t, conn, inbound{Type: "message", Text: "hello"})
	frames := readAll(t, conn,
		snapshotHas(domain.KindBot, "Welcome to Parcel support"),
		func(fr frame) bool { return fr.Type == string(session.EventOptions) },
	)
	opts := frames[1]
	require.NotNil(t, opts.Options)
	assert.Equal(t, "main", opts.Options.Key)

	send(t, conn, inbound{Type: "select", OptionID: "track"})
	readUntil(t, conn, snapshotHas(domain.KindBot, "Send me your order ID"))

	send(t, conn, inbound{Type: "select", OptionID: "nope"})
	errFrame := readUntil(t, conn, func(fr frame) bool { return fr.Type == "error" })
	assert.Equal(t, "option not offered", errFrame.Error)
}

func TestStreamPingAndEscalate(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1", "tab1")
	readUntil(t, conn, func(fr frame) bool { return fr.Type == "hello" })

	send(t, conn, inbound{Type: "ping"})
	readUntil(t, conn, func(fr frame) bool { return fr.Type == "pong" })

	send(t, conn, inbound{Type: "escalate"})
	esc := readUntil(t, conn, func(fr frame) bool { return fr.Type == "escalation" })
	require.NotNil(t, esc.Requested)
	assert.True(t, *esc.Requested)

	send(t, conn, inbound{Type: "bogus"})
	errFrame := readUntil(t, conn, func(fr frame) bool { return fr.Type == "error" })
	assert.Equal(t, "unknown frame type", errFrame.Error)
}

func TestStreamReplacedBySameTab(t *testing.T) {
	f := newFixture(t)
	first := f.dial(t, "u1", "tab1")
	readUntil(t, first, func(fr frame) bool { return fr.Type == "hello" })
	second := f.dial(t, "u1", "tab1")
	readUntil(t, second, func(fr frame) bool { return fr.Type == "hello" })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := first.Read(ctx); err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
	}
	assert.Equal(t, 1, f.registry.Count("u1"))
}

func TestStreamClosedWhenConversationStops(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1", "tab1")
	readUntil(t, conn, func(fr frame) bool { return fr.Type == "hello" })

	f.mgr.Stop("u1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			assert.NoError(t, ctx.Err(), "stream was not closed")
			break
		}
	}
	assert.Eventually(t, func() bool { return f.registry.Count("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/ws/chat?user=u1", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStreamMessagesAreRateLimited(t *testing.T) {
	f := newLimitedFixture(t, api.NewRateLimiter(2))
	conn := f.dial(t, "u1", "tab1")
	readUntil(t, conn, func(fr frame) bool { return fr.Type == "hello" })

	send(t, conn, inbound{Type: "message", Text: "hello"})
	send(t, conn, inbound{Type: "message", Text: "track"})
	send(t, conn, inbound{Type: "message", Text: "one too many"})

	errFrame := readUntil(t, conn, func(fr frame) bool { return fr.Type == "error" })
	assert.Equal(t, "rate limit exceeded", errFrame.Error)

	// Other frames are not throttled.
	send(t, conn, inbound{Type: "ping"})
	readUntil(t, conn, func(fr frame) bool { return fr.Type == "pong" })
}
