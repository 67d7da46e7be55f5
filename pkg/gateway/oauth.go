package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/databridge-io/databridge/pkg/credstore"
	"github.com/databridge-io/databridge/pkg/faults"
)

const slackAuthorizeURL = "https://slack.com/oauth/v2/authorize"

// Bot scopes requested during install. History scopes cover the indexer;
// chat:write covers the post_message tool.
var defaultBotScopes = []string{
	"channels:read",
	"channels:history",
	"users:read",
	"chat:write",
}

// OAuthConfig holds the Slack app credentials for the install flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// SuccessURL is where the browser lands after a completed install.
	SuccessURL string
	Scopes     []string
}

func (c OAuthConfig) scopes() []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return defaultBotScopes
}

// OAuthFlow drives the authorize/callback/poll rendezvous. The CLI opens
// the authorize URL in a browser and polls the session until the
// callback completes it.
type OAuthFlow struct {
	config   OAuthConfig
	sessions *credstore.SessionStore
	store    *credstore.SlackStore

	// exchange swaps the authorization code for tokens. Replaced in tests.
	exchange func(ctx context.Context, code string) (*slack.OAuthV2Response, error)
}

// NewOAuthFlow validates the app credentials and wires the flow.
func NewOAuthFlow(config OAuthConfig, sessions *credstore.SessionStore, store *credstore.SlackStore) (*OAuthFlow, error) {
	if config.ClientID == "" || config.ClientSecret == "" || config.RedirectURI == "" {
		return nil, faults.New(faults.ConfigInvalid, "slack oauth requires client_id, client_secret and redirect_uri")
	}
	f := &OAuthFlow{config: config, sessions: sessions, store: store}
	f.exchange = func(ctx context.Context, code string) (*slack.OAuthV2Response, error) {
		client := &http.Client{Timeout: 30 * time.Second}
		return slack.GetOAuthV2ResponseContext(ctx, client, config.ClientID, config.ClientSecret, code, config.RedirectURI)
	}
	return f, nil
}

// Begin opens a session and returns it with the provider authorize URL.
func (f *OAuthFlow) Begin() (*credstore.Session, string, error) {
	session, err := f.sessions.Create()
	if err != nil {
		return nil, "", err
	}

	query := url.Values{}
	query.Set("client_id", f.config.ClientID)
	query.Set("scope", strings.Join(f.config.scopes(), ","))
	query.Set("redirect_uri", f.config.RedirectURI)
	query.Set("state", session.ID+"."+session.CSRF)
	return session, slackAuthorizeURL + "?" + query.Encode(), nil
}

// AuthorizeURLFor rebuilds the provider URL for an existing session, so
// a poller can re-open the browser without losing its rendezvous.
func (f *OAuthFlow) AuthorizeURLFor(sessionID string) (string, error) {
	session, ok := f.sessions.Get(sessionID)
	if !ok {
		return "", faults.New(faults.AuthExpired, "session not found or expired").
			WithRemediation("restart the OAuth flow")
	}

	query := url.Values{}
	query.Set("client_id", f.config.ClientID)
	query.Set("scope", strings.Join(f.config.scopes(), ","))
	query.Set("redirect_uri", f.config.RedirectURI)
	query.Set("state", session.ID+"."+session.CSRF)
	return slackAuthorizeURL + "?" + query.Encode(), nil
}

// Callback completes the flow: verifies state against the live session,
// exchanges the code, stores the workspace token and marks the session
// complete. Returns the success URL to redirect the browser to.
func (f *OAuthFlow) Callback(ctx context.Context, code, state string) (string, error) {
	sessionID, csrf, ok := strings.Cut(state, ".")
	if !ok {
		return "", faults.New(faults.AuthExpired, "malformed oauth state")
	}
	if code == "" {
		return "", faults.New(faults.AuthExpired, "authorization code is missing")
	}

	// A forged state must be rejected before the code is exchanged or
	// anything is written to the credential store.
	session, ok := f.sessions.Get(sessionID)
	if !ok {
		return "", faults.New(faults.AuthExpired, "session not found or expired").
			WithRemediation("restart the OAuth flow")
	}
	if session.CSRF != csrf {
		return "", faults.New(faults.AuthExpired, "csrf token mismatch")
	}

	response, err := f.exchange(ctx, code)
	if err != nil {
		return "", faults.Wrap(faults.AuthExpired, "slack token exchange failed", err).
			WithRemediation("restart the OAuth flow")
	}
	if response.AccessToken == "" || response.Team.ID == "" {
		return "", faults.New(faults.AuthExpired, "slack returned an incomplete oauth response")
	}

	// Persist the token before completing the session: a poller seeing
	// "complete" must be able to use the workspace immediately.
	if err := f.store.Save(credstore.SlackWorkspace{
		TeamID:   response.Team.ID,
		TeamName: response.Team.Name,
		BotToken: response.AccessToken,
		BotID:    response.BotUserID,
	}); err != nil {
		return "", err
	}
	if err := f.sessions.Complete(sessionID, csrf, response.Team.ID, response.AuthedUser.ID); err != nil {
		return "", err
	}
	return f.config.SuccessURL, nil
}

// SessionState is the poll answer for one session.
type SessionState struct {
	Status      string `json:"status"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// CheckSession reports whether the rendezvous finished.
func (f *OAuthFlow) CheckSession(sessionID string) (SessionState, error) {
	session, ok := f.sessions.Get(sessionID)
	if !ok {
		return SessionState{}, faults.New(faults.AuthExpired, "session not found or expired").
			WithRemediation("restart the OAuth flow")
	}
	if !session.Completed {
		return SessionState{Status: "pending"}, nil
	}
	return SessionState{
		Status:      "complete",
		WorkspaceID: session.TeamID,
		UserID:      session.UserID,
	}, nil
}
