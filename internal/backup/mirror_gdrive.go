package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"snapvault/internal/logging"
)

const (
	driveScope            = "https://www.googleapis.com/auth/drive.file"
	defaultDriveAPIBase   = "https://www.googleapis.com/drive/v3"
	defaultDriveUploadURL = "https://www.googleapis.com/upload/drive/v3"
	maxMirrorAuthFailures = 2
)

// DriveMirror uploads artifacts to a Google Drive style file API on behalf
// of owners who authorized it. Tokens live sealed in the registry.
type DriveMirror struct {
	oauth     *oauth2.Config
	registry  Registry
	codec     *Codec
	keys      *KeyRing
	apiBase   string
	uploadURL string
	folderID  string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[string]
	logger    *logging.Logger
	now       func() time.Time
}

// NewDriveMirror creates the mirror from config. Tokens are sealed with
// the current master key.
func NewDriveMirror(cfg MirrorConfig, registry Registry, codec *Codec, keys *KeyRing, logger *logging.Logger) (*DriveMirror, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("invalid mirror configuration", err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	m := &DriveMirror{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{driveScope},
		},
		registry:  registry,
		codec:     codec,
		keys:      keys,
		apiBase:   strings.TrimRight(firstNonEmpty(cfg.APIBaseURL, defaultDriveAPIBase), "/"),
		uploadURL: strings.TrimRight(firstNonEmpty(cfg.UploadBaseURL, defaultDriveUploadURL), "/"),
		folderID:  cfg.FolderID,
		client:    &http.Client{},
		logger:    logger,
		now:       time.Now,
	}

	maxFailures := cfg.BreakerMaxFailures
	m.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "cloud-mirror",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Owner-specific auth problems say nothing about the remote API.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMirrorNotConnected) || IsType(err, BackupErrorTypeMirrorAuth)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Mirror circuit breaker state changed")
		},
	})
	return m, nil
}

// Enabled implements Mirror.
func (m *DriveMirror) Enabled() bool { return true }

// AuthURL implements Mirror. Offline access is requested so a refresh token
// is issued.
func (m *DriveMirror) AuthURL(state string) (string, error) {
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Connect implements Mirror.
func (m *DriveMirror) Connect(ctx context.Context, ownerID, code string) error {
	if ownerID == "" || code == "" {
		return NewValidationError("owner id and authorization code are required", nil)
	}
	token, err := m.oauth.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return NewMirrorAuthError("authorization code exchange failed", err)
	}
	sealed, err := m.sealToken(token)
	if err != nil {
		return err
	}
	return m.registry.SaveMirrorConnection(ctx, &MirrorConnection{
		OwnerID:     ownerID,
		SealedToken: sealed,
		Active:      true,
		UpdatedAt:   m.now().UTC(),
	})
}

// Upload implements Mirror and returns the remote file id.
func (m *DriveMirror) Upload(ctx context.Context, ownerID, filename string, artifact []byte) (string, error) {
	conn, token, err := m.connection(ctx, ownerID)
	if err != nil {
		return "", err
	}

	fileID, err := m.breaker.Execute(func() (string, error) {
		return m.withToken(ctx, conn, token, func(tok *oauth2.Token) (*http.Response, error) {
			req, err := m.uploadRequest(ctx, filename, artifact)
			if err != nil {
				return nil, err
			}
			tok.SetAuthHeader(req)
			return m.client.Do(req)
		}, decodeFileID)
	})
	if err != nil {
		return "", breakerError(err)
	}
	return fileID, nil
}

// Delete implements Mirror. A missing file is not an error.
func (m *DriveMirror) Delete(ctx context.Context, ownerID, ref string) error {
	if ref == "" {
		return nil
	}
	conn, token, err := m.connection(ctx, ownerID)
	if err != nil {
		return err
	}

	_, err = m.breaker.Execute(func() (string, error) {
		return m.withToken(ctx, conn, token, func(tok *oauth2.Token) (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.apiBase+"/files/"+url.PathEscape(ref), nil)
			if err != nil {
				return nil, err
			}
			tok.SetAuthHeader(req)
			return m.client.Do(req)
		}, func(*http.Response) (string, error) { return "", nil })
	})
	if err != nil {
		return breakerError(err)
	}
	return nil
}

func (m *DriveMirror) connection(ctx context.Context, ownerID string) (*MirrorConnection, *oauth2.Token, error) {
	conn, err := m.registry.GetMirrorConnection(ctx, ownerID)
	if err != nil {
		if IsType(err, BackupErrorTypeNotFound) {
			return nil, nil, ErrMirrorNotConnected
		}
		return nil, nil, err
	}
	if !conn.Active {
		return nil, nil, ErrMirrorNotConnected
	}
	token, err := m.unsealToken(conn.SealedToken)
	if err != nil {
		return nil, nil, err
	}
	return conn, token, nil
}

// withToken performs send with the stored token and refreshes it at most
// once. Consecutive auth failures deactivate the connection.
func (m *DriveMirror) withToken(ctx context.Context, conn *MirrorConnection, token *oauth2.Token,
	send func(*oauth2.Token) (*http.Response, error), decode func(*http.Response) (string, error)) (string, error) {

	refreshed := !token.Valid()
	source := m.oauth.TokenSource(m.clientContext(ctx), token)

	for {
		tok, err := source.Token()
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) {
				return "", m.authFailed(ctx, conn, err)
			}
			return "", NewTransientStorageError("mirror token refresh failed", err)
		}

		resp, err := send(tok)
		if err != nil {
			return "", NewTransientStorageError("mirror request failed", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			drainAndClose(resp)
			refreshed = true
			expired := *tok
			expired.Expiry = m.now().Add(-time.Minute)
			source = m.oauth.TokenSource(m.clientContext(ctx), &expired)
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			body := readErrorBody(resp)
			resp.Body.Close()
			return "", m.authFailed(ctx, conn, fmt.Errorf("mirror rejected credentials: %s", body))
		}

		m.saveSuccess(ctx, conn, token, tok)
		return m.handleResponse(resp, decode)
	}
}

func (m *DriveMirror) handleResponse(resp *http.Response, decode func(*http.Response) (string, error)) (string, error) {
	defer drainAndClose(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decode(resp)
	case resp.StatusCode == http.StatusNotFound && resp.Request != nil && resp.Request.Method == http.MethodDelete:
		return "", nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", NewTransientStorageError(fmt.Sprintf("mirror returned %d: %s", resp.StatusCode, readErrorBody(resp)), nil)
	case resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusInsufficientStorage:
		return "", NewQuotaExceededError("mirror storage quota exceeded", nil)
	default:
		return "", NewStorageError(fmt.Sprintf("mirror returned %d: %s", resp.StatusCode, readErrorBody(resp)), nil)
	}
}

func (m *DriveMirror) authFailed(ctx context.Context, conn *MirrorConnection, cause error) error {
	conn.AuthFailures++
	conn.LastError = logging.RedactSecrets(cause.Error())
	conn.UpdatedAt = m.now().UTC()
	if conn.AuthFailures >= maxMirrorAuthFailures {
		conn.Active = false
	}
	if err := m.registry.SaveMirrorConnection(ctx, conn); err != nil {
		m.logger.WithFields(map[string]interface{}{
			"owner_id": conn.OwnerID,
			"error":    err.Error(),
		}).Error("Failed to record mirror auth failure")
	}
	if !conn.Active {
		m.logger.WithField("owner_id", conn.OwnerID).Warn("Mirror connection deactivated after repeated auth failures")
	}
	return NewMirrorAuthError("mirror authorization failed", cause).
		WithContext("auth_failures", conn.AuthFailures).
		WithContext("active", conn.Active)
}

// saveSuccess resets the failure count and persists a refreshed token.
func (m *DriveMirror) saveSuccess(ctx context.Context, conn *MirrorConnection, stored, current *oauth2.Token) {
	changed := current.AccessToken != stored.AccessToken || conn.AuthFailures != 0
	if !changed {
		return
	}
	if current.RefreshToken == "" {
		current.RefreshToken = stored.RefreshToken
	}
	sealed, err := m.sealToken(current)
	if err != nil {
		m.logger.WithField("error", err.Error()).Error("Failed to seal refreshed mirror token")
		return
	}
	conn.SealedToken = sealed
	conn.AuthFailures = 0
	conn.LastError = ""
	conn.UpdatedAt = m.now().UTC()
	if err := m.registry.SaveMirrorConnection(ctx, conn); err != nil {
		m.logger.WithFields(map[string]interface{}{
			"owner_id": conn.OwnerID,
			"error":    err.Error(),
		}).Warn("Failed to persist refreshed mirror token")
	}
}

func (m *DriveMirror) uploadRequest(ctx context.Context, filename string, artifact []byte) (*http.Request, error) {
	metadata := map[string]interface{}{
		"name":     filename,
		"mimeType": "application/json",
	}
	if m.folderID != "" {
		metadata["parents"] = []string{m.folderID}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	metaPart, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := metaPart.Write(metadataJSON); err != nil {
		return nil, err
	}
	filePart, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json"}})
	if err != nil {
		return nil, err
	}
	if _, err := filePart.Write(artifact); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.uploadURL+"/files?uploadType=multipart", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())
	return req, nil
}

func (m *DriveMirror) sealToken(token *oauth2.Token) ([]byte, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return nil, NewEncodingError("failed to encode mirror token", err)
	}
	eb, err := m.codec.Encrypt(raw, m.keys.Current())
	if err != nil {
		return nil, err
	}
	return MarshalArtifact(eb)
}

func (m *DriveMirror) unsealToken(sealed []byte) (*oauth2.Token, error) {
	eb, err := UnmarshalArtifact(sealed)
	if err != nil {
		return nil, err
	}
	key, ok := m.keys.Get(eb.KeyVersion)
	if !ok {
		return nil, NewEncryptionError(fmt.Sprintf("no key for mirror token version %d", eb.KeyVersion), nil)
	}
	raw, err := m.codec.Decrypt(eb, key)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, NewEncodingError("failed to decode mirror token", err)
	}
	return &token, nil
}

func (m *DriveMirror) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func decodeFileID(resp *http.Response) (string, error) {
	var file struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", NewStorageError("invalid mirror upload response", err)
	}
	if file.ID == "" {
		return "", NewStorageError("mirror upload response has no file id", nil)
	}
	return file.ID, nil
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NewTransientStorageError("mirror circuit breaker is open", err)
	}
	return err
}

func readErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return logging.RedactSecrets(strings.TrimSpace(string(data)))
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
