package psbot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/swordfishtr/35PokesPSBot/applog"
	"go.uber.org/zap"
)

// DefaultLoginURL is the authentication endpoint that exchanges a
// server challenge for a signed assertion.
const DefaultLoginURL = "https://play.pokemonshowdown.com/~~showdown/action.php"

// Auth holds the account credentials for one bot identity.
type Auth struct {
	Name string `json:"name"`
	Pass string `json:"pass"`
}

type loginResponse struct {
	ActionSuccess bool   `json:"actionsuccess"`
	Assertion     string `json:"assertion"`
	CurUser       struct {
		LoggedIn bool `json:"loggedin"`
	} `json:"curuser"`
}

// Login authenticates this connection as auth.Name. Valid exactly once,
// from StateOnline. Any failure leaves the client unusable; the caller
// must obtain a fresh connection.
func (c *Client) Login(ctx context.Context, auth Auth) error {
	c.mu.Lock()
	if c.state < StateOnline {
		c.mu.Unlock()
		return fmt.Errorf("login before online: %w", ErrInvalidState)
	}
	if c.state > StateOnline {
		c.mu.Unlock()
		return fmt.Errorf("login more than once: %w", ErrInvalidState)
	}
	c.state = StateLoggingIn
	c.mu.Unlock()

	challMsg, err := c.Await(ctx, "challstr", 30*time.Second, ChallstrPredicate)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	challstr := strings.TrimPrefix(challMsg, "|challstr|")

	assertion, err := c.fetchAssertion(ctx, auth, challstr)
	if err != nil {
		return err
	}

	if err := c.Send(fmt.Sprintf("|/trn %s,0,%s", auth.Name, assertion)); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if _, err := c.Await(ctx, "login confirmation", 30*time.Second, UpdateUserPredicate(auth.Name)); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	c.mu.Lock()
	c.username = auth.Name
	c.state = StateAuthenticated
	c.mu.Unlock()

	applog.Info("Login successful", zap.String("bot", c.Name), zap.String("username", auth.Name))
	return nil
}

// fetchAssertion performs the HTTP half of the login handshake. The
// endpoint prefixes its JSON body with a ']' guard byte.
func (c *Client) fetchAssertion(ctx context.Context, auth Auth, challstr string) (string, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded; encoding=UTF-8").
		SetFormData(map[string]string{
			"act":      "login",
			"name":     auth.Name,
			"pass":     auth.Pass,
			"challstr": challstr,
		}).
		Post(c.LoginURL)
	if err != nil {
		return "", fmt.Errorf("could not connect to login server: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("could not connect to login server: %v", resp.Status())
	}

	body := resp.String()
	if len(body) < 2 {
		return "", fmt.Errorf("login server sent a malformed response: %q", body)
	}

	var parsed loginResponse
	if err := json.Unmarshal([]byte(body[1:]), &parsed); err != nil {
		return "", fmt.Errorf("login server sent a malformed response: %w", err)
	}

	if !parsed.ActionSuccess || !parsed.CurUser.LoggedIn || strings.HasPrefix(parsed.Assertion, ";;") {
		return "", fmt.Errorf("login rejected for %s", auth.Name)
	}

	return parsed.Assertion, nil
}

// ChallstrPredicate matches the one-time login challenge issued right
// after connecting.
func ChallstrPredicate(msg string) Verdict {
	data := strings.SplitN(msg, "|", 3)
	if len(data) > 1 && data[1] == "challstr" {
		return VerdictMatch
	}
	return VerdictIgnore
}

// UpdateUserPredicate matches the server confirming the identity
// switched to name. The reported name carries a one-byte rank prefix.
func UpdateUserPredicate(name string) Predicate {
	want := ToID(name)
	return func(msg string) Verdict {
		data := strings.SplitN(msg, "|", 4)
		if len(data) > 2 && data[1] == "updateuser" && len(data[2]) > 1 && ToID(data[2][1:]) == want {
			return VerdictMatch
		}
		return VerdictIgnore
	}
}
