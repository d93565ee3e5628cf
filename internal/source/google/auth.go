package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"

	"github.com/chronos-sync/chronos/internal/config"
)

// credentials mirrors the JSON downloaded from the Google Cloud Console.
type credentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

func loadCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}
	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// fileTokenStore persists the OAuth token at a fixed path with 0600 perms.
type fileTokenStore struct {
	path string
}

func (s *fileTokenStore) save(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// load returns nil, nil when no token file exists yet.
func (s *fileTokenStore) load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// autoSaveTokenSource wraps an oauth2.TokenSource and persists refreshed
// tokens as a side effect.
type autoSaveTokenSource struct {
	source    oauth2.TokenSource
	store     *fileTokenStore
	lastToken *oauth2.Token
}

func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}
	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.store.save(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}
	return token, nil
}

// authenticatedClient builds an OAuth2-backed HTTP client. On first run,
// when no token file exists, the user is walked through the interactive
// authorization-code flow on stdin.
func authenticatedClient(ctx context.Context, cfg *config.GoogleConfig) (*http.Client, error) {
	clientID, clientSecret, err := loadCredentials(cfg.CredentialsPath)
	if err != nil {
		return nil, err
	}

	oauthConfig := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "http://127.0.0.1:8080",
		Scopes: []string{
			calendar.CalendarScope,
			calendar.CalendarEventsScope,
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	store := &fileTokenStore{path: cfg.TokenPath}
	token, err := store.load()
	if err != nil {
		return nil, err
	}

	if token == nil {
		authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
		fmt.Println("Please visit the following URL to authorize the application:")
		fmt.Println(authURL)
		fmt.Print("Enter the authorization code: ")

		var code string
		if _, err := fmt.Scanln(&code); err != nil {
			return nil, fmt.Errorf("failed to read authorization code: %w", err)
		}
		token, err = oauthConfig.Exchange(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
		}
		if err := store.save(token); err != nil {
			return nil, err
		}
	}

	source := &autoSaveTokenSource{
		source:    oauth2.ReuseTokenSource(token, oauthConfig.TokenSource(ctx, token)),
		store:     store,
		lastToken: token,
	}
	return oauth2.NewClient(ctx, source), nil
}
