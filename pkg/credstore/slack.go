package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/databridge-io/databridge/pkg/faults"
)

const slackCredentialsFile = "slack_credentials.json"

// SlackWorkspace is the persisted record for one installed workspace.
type SlackWorkspace struct {
	TeamID   string `json:"team_id"`
	TeamName string `json:"team_name"`
	// BotToken is sealed at rest.
	BotToken string `json:"bot_token"`
	BotID    string `json:"bot_id,omitempty"`
}

// SlackStore persists per-workspace bot credentials.
type SlackStore struct {
	mu   sync.Mutex
	dir  string
	key  []byte
	data map[string]*SlackWorkspace
}

func NewSlackStore(dir, secret string) (*SlackStore, error) {
	if secret == "" {
		return nil, faults.New(faults.ConfigInvalid, "credential store requires an encryption secret").
			WithRemediation("set SLACK_CLIENT_SECRET or the credentials.secret config key")
	}
	if dir == "" {
		dir = DefaultDir()
	}

	s := &SlackStore{
		dir:  dir,
		key:  deriveKey(secret),
		data: make(map[string]*SlackWorkspace),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SlackStore) path() string {
	return filepath.Join(s.dir, slackCredentialsFile)
}

func (s *SlackStore) load() error {
	raw, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return faults.Wrap(faults.ConfigInvalid, "cannot read slack credentials", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return faults.Wrap(faults.ConfigInvalid, "slack credentials file is corrupt", err)
	}
	return nil
}

func (s *SlackStore) persist() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return faults.Wrap(faults.Internal, "cannot create credential directory", err)
	}
	encoded, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot encode credentials", err)
	}
	if err := os.WriteFile(s.path(), encoded, credentialsFileMode); err != nil {
		return faults.Wrap(faults.Internal, "cannot write credentials", err)
	}
	return nil
}

// Save seals and stores a workspace's bot token.
func (s *SlackStore) Save(ws SlackWorkspace) error {
	if ws.TeamID == "" {
		return faults.New(faults.ConfigInvalid, "slack workspace record requires a team id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := seal(s.key, ws.BotToken)
	if err != nil {
		return err
	}
	stored := ws
	stored.BotToken = sealed
	s.data[ws.TeamID] = &stored
	return s.persist()
}

// BotToken returns the plaintext bot token for a workspace.
func (s *SlackStore) BotToken(teamID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data[teamID]
	if !ok {
		return "", faults.New(faults.AuthExpired, fmt.Sprintf("no credentials stored for workspace %s", teamID)).
			WithRemediation("run the Slack OAuth flow for this workspace")
	}
	return open(s.key, record.BotToken)
}

// Workspace returns the stored record without the plaintext token.
func (s *SlackStore) Workspace(teamID string) (*SlackWorkspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data[teamID]
	if !ok {
		return nil, false
	}
	copied := *record
	copied.BotToken = ""
	return &copied, true
}

// Workspaces lists installed team ids.
func (s *SlackStore) Workspaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.data))
	for teamID := range s.data {
		out = append(out, teamID)
	}
	return out
}

// Delete removes a workspace's credentials.
func (s *SlackStore) Delete(teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, teamID)
	return s.persist()
}
