package psbot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoginServer(t *testing.T, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "login", r.Form.Get("act"))
		assert.NotEmpty(t, r.Form.Get("challstr"))
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginHappyPath(t *testing.T) {
	fs := newFakeServer(t)
	login := newLoginServer(t,
		`]{"actionsuccess":true,"assertion":"signed-token","curuser":{"loggedin":true}}`)

	c := newConnectedClient(t, fs)
	c.LoginURL = login.URL

	done := make(chan error, 1)
	go func() {
		done <- c.Login(context.Background(), Auth{Name: "Test Bot One", Pass: "hunter2"})
	}()

	fs.push("|challstr|4|abcdef")

	sent := fs.awaitSent(t)
	assert.Equal(t, "|/trn Test Bot One,0,signed-token", sent)

	fs.push("|updateuser| Test Bot One|1|2|{}")

	require.NoError(t, <-done)
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, "Test Bot One", c.Username())
}

func TestLoginRejectedByServer(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"action failure", `]{"actionsuccess":false,"assertion":"x","curuser":{"loggedin":true}}`},
		{"not logged in", `]{"actionsuccess":true,"assertion":"x","curuser":{"loggedin":false}}`},
		{"assertion error", `]{"actionsuccess":true,"assertion":";;message","curuser":{"loggedin":true}}`},
		{"malformed body", `]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFakeServer(t)
			login := newLoginServer(t, tc.body)

			c := newConnectedClient(t, fs)
			c.LoginURL = login.URL

			done := make(chan error, 1)
			go func() {
				done <- c.Login(context.Background(), Auth{Name: "Test Bot One", Pass: "hunter2"})
			}()
			fs.push("|challstr|4|abcdef")

			assert.Error(t, <-done)
			assert.NotEqual(t, StateAuthenticated, c.State())
			assert.Empty(t, c.Username())
		})
	}
}

func TestLoginStateRules(t *testing.T) {
	c := NewClient("test bot")
	err := c.Login(context.Background(), Auth{Name: "x", Pass: "y"})
	assert.ErrorIs(t, err, ErrInvalidState, "login before connecting must be refused")

	fs := newFakeServer(t)
	login := newLoginServer(t,
		`]{"actionsuccess":true,"assertion":"signed-token","curuser":{"loggedin":true}}`)
	c = newConnectedClient(t, fs)
	c.LoginURL = login.URL

	done := make(chan error, 1)
	go func() {
		done <- c.Login(context.Background(), Auth{Name: "Test Bot One", Pass: "hunter2"})
	}()
	fs.push("|challstr|4|abcdef")
	fs.awaitSent(t)
	fs.push("|updateuser| Test Bot One|1|2|{}")
	require.NoError(t, <-done)

	err = c.Login(context.Background(), Auth{Name: "Test Bot One", Pass: "hunter2"})
	assert.ErrorIs(t, err, ErrInvalidState, "login must be valid exactly once")
}

func TestChallstrPredicate(t *testing.T) {
	assert.Equal(t, VerdictMatch, ChallstrPredicate("|challstr|4|abcdef"))
	assert.Equal(t, VerdictIgnore, ChallstrPredicate("|updateuser| Guest 1|0|2|{}"))
	assert.Equal(t, VerdictIgnore, ChallstrPredicate("random chat line"))
}

func TestUpdateUserPredicate(t *testing.T) {
	p := UpdateUserPredicate("Test Bot One")
	assert.Equal(t, VerdictMatch, p("|updateuser| Test Bot One|1|2|{}"))
	assert.Equal(t, VerdictMatch, p("|updateuser|*Test Bot One|1|2|{}"))
	assert.Equal(t, VerdictIgnore, p("|updateuser| Guest 1|0|2|{}"))
	assert.Equal(t, VerdictIgnore, p("|challstr|4|abcdef"))
}
