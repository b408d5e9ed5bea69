package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	middlewarePkg "github.com/zhouzirui/copilot-relay/backend/internal/middleware"
	"github.com/zhouzirui/copilot-relay/backend/internal/model/chat"
	authService "github.com/zhouzirui/copilot-relay/backend/internal/service/auth"
	chatService "github.com/zhouzirui/copilot-relay/backend/internal/service/chat"
	"github.com/zhouzirui/copilot-relay/backend/internal/service/copilot"
)

const testToken = "access-1"

type stubProvider struct{}

func (stubProvider) AuthCodeURL(state, redirectURI string) string {
	v := url.Values{"state": {state}, "redirect_uri": {redirectURI}}
	return "https://login.example.com/authorize?" + v.Encode()
}

func (stubProvider) Exchange(_ context.Context, code, _ string) (*authService.Token, error) {
	if code != "good-code" {
		return nil, fmt.Errorf("unexpected code %q", code)
	}
	return &authService.Token{AccessToken: testToken}, nil
}

// agentBackend answers like the direct-to-engine API.
func agentBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-ms-conversationid", "conv-1")
		w.WriteHeader(http.StatusOK)

		if strings.HasSuffix(r.URL.Path, "/conversations") {
			fmt.Fprint(w, "event: activity\ndata: {\"type\":\"typing\"}\n\n")
			fmt.Fprint(w, "event: activity\ndata: {\"type\":\"message\",\"text\":\"Hello, I'm your agent.\",\"conversation\":{\"id\":\"conv-1\"}}\n\n")
			return
		}

		var body struct {
			Activity struct {
				Text string `json:"text"`
			} `json:"activity"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, strings.HasSuffix(r.URL.Path, "/conversations/conv-1"))

		if body.Activity.Text == "hi" {
			fmt.Fprint(w, "event: activity\ndata: {\"type\":\"message\",\"text\":\"processing\"}\n\n")
			fmt.Fprint(w, "event: activity\ndata: {\"type\":\"message\",\"text\":\"Hello back\",\"suggestedActions\":{\"actions\":[{\"type\":\"imBack\",\"title\":\"Tell me more\",\"value\":\"Tell me more\"}]}}\n\n")
		}
		fmt.Fprint(w, "event: end\ndata: end\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	backend := agentBackend(t)

	login := authService.NewService(stubProvider{}, authService.NewStore(), authService.Options{})
	factory := copilot.NewFactory(copilot.Settings{SchemaName: "cr123_agent", BaseURL: backend.URL}, backend.Client(), nil)
	relay := chatService.NewRelay(chatService.NewService(), factory, chatService.RelayConfig{StreamTimeout: 10 * time.Second})

	srv := httptest.NewServer(NewRouter(Deps{
		Login:          login,
		Relay:          relay,
		Sessions:       middlewarePkg.NewSessions([]byte("test-secret"), time.Hour, false),
		AllowedOrigins: []string{"*"},
		ShowFeedback:   true,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func login(t *testing.T, srv *httptest.Server, browser *http.Client) {
	t.Helper()

	resp, err := browser.Get(srv.URL + "/login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	target, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/auth/callback", target.Query().Get("redirect_uri"))

	q := url.Values{"state": {target.Query().Get("state")}, "code": {"good-code"}}
	resp, err = browser.Get(srv.URL + "/auth/callback?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func dial(t *testing.T, srv *httptest.Server, browser *http.Client) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	header := http.Header{}
	for _, c := range browser.Jar.Cookies(u) {
		header.Add("Cookie", c.String())
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	return conn
}

type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.NotZero(t, f.Timestamp)
	return f
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIndexRedirectsToLoginWhenAnonymous(t *testing.T) {
	srv := newTestServer(t)

	resp, err := newBrowser(t).Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestCallbackRejections(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name  string
		query func(state string) url.Values
		want  string
	}{
		{
			name:  "state mismatch",
			query: func(string) url.Values { return url.Values{"state": {"forged"}, "code": {"good-code"}} },
			want:  "Invalid state parameter",
		},
		{
			name: "provider error",
			query: func(state string) url.Values {
				return url.Values{"state": {state}, "error": {"access_denied"}, "error_description": {"User declined"}}
			},
			want: "Authentication error: User declined",
		},
		{
			name:  "missing code",
			query: func(state string) url.Values { return url.Values{"state": {state}} },
			want:  "No authorization code received",
		},
		{
			name:  "exchange failure",
			query: func(state string) url.Values { return url.Values{"state": {state}, "code": {"bad-code"}} },
			want:  `Failed to acquire token: unexpected code "bad-code"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			browser := newBrowser(t)
			resp, err := browser.Get(srv.URL + "/login")
			require.NoError(t, err)
			resp.Body.Close()

			target, err := url.Parse(resp.Header.Get("Location"))
			require.NoError(t, err)

			resp, err = browser.Get(srv.URL + "/auth/callback?" + tt.query(target.Query().Get("state")).Encode())
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

func TestChatRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	browser := newBrowser(t)
	login(t, srv, browser)

	resp, err := browser.Get(srv.URL + "/")
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Regexp(t, `const showFeedback =\s*true\s*;`, string(page))

	conn := dial(t, srv, browser)

	f := readFrame(t, conn)
	require.Equal(t, chat.EventInit, f.Type)
	assert.JSONEq(t, `{"greeting":"Hello, I'm your agent.","username":"User"}`, string(f.Data))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "send_message", "data": map[string]string{"message": "  hi  "}}))

	f = readFrame(t, conn)
	require.Equal(t, chat.EventMessage, f.Type)
	assert.JSONEq(t, `{"text":"hi","type":"user"}`, string(f.Data))

	f = readFrame(t, conn)
	require.Equal(t, chat.EventMessage, f.Type)
	assert.JSONEq(t, `{"text":"Hello back","type":"bot","suggestions":["Tell me more"]}`, string(f.Data))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "send_message", "data": map[string]string{"message": "silence"}}))

	f = readFrame(t, conn)
	assert.JSONEq(t, `{"text":"silence","type":"user"}`, string(f.Data))
	f = readFrame(t, conn)
	assert.JSONEq(t, `{"text":"No response received from the agent. Please try again.","type":"bot"}`, string(f.Data))

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "typing"}))
	f = readFrame(t, conn)
	require.Equal(t, chat.EventError, f.Type)
	assert.JSONEq(t, `{"message":"unknown message type: typing"}`, string(f.Data))
}

func TestChatRejectsAnonymousConnection(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, newBrowser(t))

	f := readFrame(t, conn)
	require.Equal(t, chat.EventError, f.Type)
	assert.JSONEq(t, `{"message":"Not authenticated. Please refresh the page to login."}`, string(f.Data))

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestLogoutClearsCredential(t *testing.T) {
	srv := newTestServer(t)
	browser := newBrowser(t)
	login(t, srv, browser)

	resp, err := browser.Get(srv.URL + "/logout")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp, err = browser.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}
