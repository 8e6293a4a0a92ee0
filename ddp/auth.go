package ddp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

type AuthState string

const (
	AuthStateNone      AuthState = "no_auth"
	AuthStateLoggingIn AuthState = "logging_in"
	AuthStateLoggedIn  AuthState = "logged_in"
	AuthStateLoggedOut AuthState = "logged_out"
)

// authManager drives login/resume/signup over the method manager.
// At most one logon or signup may be in flight; a held resume token is
// replayed automatically on every connect.
type authManager struct {
	client *Client

	state  AuthState
	userId string
	token  string
	// token expiration reported by the server, zero when unknown
	tokenExpires Time
}

func newAuthManager(client *Client) *authManager {
	return &authManager{
		client: client,
		state:  AuthStateNone,
	}
}

// meteor accounts-password digest: lowercase hex sha-256 over the
// cleartext utf-8
func passwordField(password string) Document {
	sum := sha256.Sum256([]byte(password))
	return Document{
		"digest":    hex.EncodeToString(sum[:]),
		"algorithm": "sha-256",
	}
}

// on the loop
func (self *authManager) handleConnected() {
	if self.token == "" {
		return
	}
	// resume the held session as a normal login method
	self.logon(Document{"resume": self.token}, nil)
}

// on the loop. in-flight logons were already failed through the method
// manager; the state just reflects that here.
func (self *authManager) handleDisconnected() {
	if self.state == AuthStateLoggingIn {
		self.state = AuthStateLoggedOut
	}
}

// on the loop
func (self *authManager) logon(params Document, callback MethodCallback) {
	if self.state == AuthStateLoggingIn {
		if callback != nil {
			callback(nil, ErrLogonRejected)
		}
		return
	}
	self.state = AuthStateLoggingIn
	self.client.callOnLoop("login", []any{params}, func(result any, err error) {
		self.completeLogon(result, err, callback)
	})
}

// on the loop
func (self *authManager) completeLogon(result any, err error, callback MethodCallback) {
	if err != nil {
		self.state = AuthStateLoggedOut
		self.notifySessionUpdate()
		if callback != nil {
			callback(nil, err)
		}
		return
	}
	doc, ok := result.(map[string]any)
	if !ok {
		self.state = AuthStateLoggedOut
		self.notifySessionUpdate()
		if callback != nil {
			callback(nil, ErrLogonRejected)
		}
		return
	}
	if userId, ok := doc["id"].(string); ok {
		self.userId = userId
	}
	if token, ok := doc["token"].(string); ok {
		self.token = token
	}
	if expires, ok := doc["tokenExpires"].(map[string]any); ok {
		if millis, ok := expires["$date"].(float64); ok {
			self.tokenExpires = DateTimeMillis(int64(millis))
		}
	}
	self.state = AuthStateLoggedIn
	self.notifySessionUpdate()
	if callback != nil {
		callback(result, nil)
	}
}

// on the loop
func (self *authManager) notifySessionUpdate() {
	for _, callback := range self.client.sessionUpdateCallbacks.Get() {
		callback(self.userId, self.state)
	}
}

// client facade

func (self *Client) LoginWithUsername(username string, password string, callback MethodCallback) {
	self.post(func() {
		self.auth.logon(Document{
			"user":     Document{"username": username},
			"password": passwordField(password),
		}, callback)
	})
}

func (self *Client) LoginWithEmail(email string, password string, callback MethodCallback) {
	self.post(func() {
		self.auth.logon(Document{
			"user":     Document{"email": email},
			"password": passwordField(password),
		}, callback)
	})
}

// LoginWithToken resumes a session from a stored resume token.
func (self *Client) LoginWithToken(token string, callback MethodCallback) {
	self.post(func() {
		self.auth.token = token
		self.auth.logon(Document{"resume": token}, callback)
	})
}

// Signup creates the account with `createUser` and logs it in.
func (self *Client) Signup(username string, email string, password string, profile Document, callback MethodCallback) {
	self.post(func() {
		if self.auth.state == AuthStateLoggingIn {
			if callback != nil {
				callback(nil, ErrLogonRejected)
			}
			return
		}
		params := Document{
			"username": username,
			"email":    email,
			"password": passwordField(password),
		}
		if profile != nil {
			params["profile"] = profile
		}
		self.auth.state = AuthStateLoggingIn
		self.methodCreateUser(params, callback)
	})
}

// on the loop
func (self *Client) methodCreateUser(params Document, callback MethodCallback) {
	self.callOnLoop("createUser", []any{params}, func(result any, err error) {
		self.auth.completeLogon(result, err, callback)
	})
}

// Logout fires the `logout` method and transitions locally without
// waiting for the result.
func (self *Client) Logout() {
	self.post(func() {
		self.callOnLoop("logout", nil, nil)
		self.auth.token = ""
		self.auth.userId = ""
		self.auth.tokenExpires = Time{}
		self.auth.state = AuthStateLoggedOut
		self.auth.notifySessionUpdate()
	})
}

// ResumeToken is the token to persist for LoginWithToken next launch.
func (self *Client) ResumeToken() string {
	var token string
	self.sync(func() {
		token = self.auth.token
	})
	return token
}

// oauth

// oauthConfig is the JSON the oauth completion page hides in
// `<div id="config" style="display:none;">`
type oauthConfig struct {
	SetCredentialToken bool   `json:"setCredentialToken"`
	CredentialToken    string `json:"credentialToken"`
	CredentialSecret   string `json:"credentialSecret"`
}

const oauthConfigMarker = `<div id="config" style="display:none;">`

func parseOAuthConfig(page string) (*oauthConfig, error) {
	i := strings.Index(page, oauthConfigMarker)
	if i < 0 {
		return nil, fmt.Errorf("oauth config not found")
	}
	rest := page[i+len(oauthConfigMarker):]
	j := strings.Index(rest, "</div>")
	if j < 0 {
		return nil, fmt.Errorf("oauth config not terminated")
	}
	config := &oauthConfig{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:j])), config); err != nil {
		return nil, err
	}
	return config, nil
}

// httpBaseUrl rewrites the websocket url for the oauth http flow:
// ws[s]://host/websocket becomes http[s]://host.
func httpBaseUrl(wsUrl string) string {
	base := wsUrl
	if strings.HasPrefix(base, "wss://") {
		base = "https://" + base[len("wss://"):]
	} else if strings.HasPrefix(base, "ws://") {
		base = "http://" + base[len("ws://"):]
	}
	base = strings.TrimSuffix(base, "/websocket")
	return strings.TrimSuffix(base, "/")
}

// facebook hands the access token straight through; every other
// service goes through the authorization code flow
func oauthTokenParam(service string) string {
	if service == "facebook" {
		return "accessToken"
	}
	return "code"
}

func oauthHttpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
		},
		Timeout: 60 * time.Second,
	}
}

// LoginWithOAuth completes a third-party login: it fetches the server's
// oauth endpoint with the service token, scrapes the credential secret
// out of the completion page, and then logs in over DDP with the
// credential pair.
func (self *Client) LoginWithOAuth(service string, serviceToken string, callback MethodCallback) {
	// failures are delivered on the loop like every other callback
	fail := func(err error) {
		if callback != nil {
			self.post(func() {
				callback(nil, err)
			})
		}
	}

	credentialToken := NewDocumentId()

	stateJson, err := json.Marshal(map[string]any{
		"credentialToken": credentialToken,
		"loginStyle":      "popup",
	})
	if err != nil {
		fail(err)
		return
	}
	state := base64.StdEncoding.EncodeToString(stateJson)

	oauthUrl := fmt.Sprintf(
		"%s/_oauth/%s/?%s=%s&state=%s",
		httpBaseUrl(self.url),
		service,
		oauthTokenParam(service),
		url.QueryEscape(serviceToken),
		url.QueryEscape(state),
	)

	// the http fetch must not block the loop
	go func() {
		config, err := fetchOAuthConfig(oauthUrl)
		if err != nil {
			glog.Infof("[auth]oauth %s error = %s\n", service, err)
			fail(ErrLogonRejected)
			return
		}
		if !config.SetCredentialToken || config.CredentialToken != credentialToken {
			fail(ErrLogonRejected)
			return
		}
		self.post(func() {
			self.auth.logon(Document{
				"oauth": Document{
					"credentialToken":  config.CredentialToken,
					"credentialSecret": config.CredentialSecret,
				},
			}, callback)
		})
	}()
}

func fetchOAuthConfig(oauthUrl string) (*oauthConfig, error) {
	r, err := oauthHttpClient().Get(oauthUrl)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()
	page, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if r.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth status %d", r.StatusCode)
	}
	return parseOAuthConfig(string(page))
}
