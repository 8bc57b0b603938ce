// Package xbox performs the delegated Xbox Live token exchanges and composes
// the final XBL3.0 credential.
package xbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"gophersnake-go/internal/faults"
	"gophersnake-go/internal/logging"
)

const (
	// DefaultUserAuthURL exchanges an MSA token for an Xbox user token.
	DefaultUserAuthURL = "https://user.auth.xboxlive.com/user/authenticate"
	// DefaultXSTSAuthURL exchanges a user token for an XSTS token.
	DefaultXSTSAuthURL = "https://xsts.auth.xboxlive.com/xsts/authorize"

	userRelyingParty = "http://auth.xboxlive.com"
	xstsRelyingParty = "rp://api.minecraftservices.com/"
)

type userTokenRequest struct {
	Properties struct {
		AuthMethod string `json:"AuthMethod"`
		SiteName   string `json:"SiteName"`
		RpsTicket  string `json:"RpsTicket"`
	} `json:"Properties"`
	RelyingParty string `json:"RelyingParty"`
	TokenType    string `json:"TokenType"`
}

type xstsTokenRequest struct {
	Properties struct {
		SandboxID  string   `json:"SandboxId"`
		UserTokens []string `json:"UserTokens"`
	} `json:"Properties"`
	RelyingParty string `json:"RelyingParty"`
	TokenType    string `json:"TokenType"`
}

// ExchangerOption customizes Exchanger creation.
type ExchangerOption func(*Exchanger)

// Exchanger is a pair of stateless request/response translators. It never
// caches and never retries; the pipeline owns both policies.
type Exchanger struct {
	httpClient  *http.Client
	userAuthURL string
	xstsAuthURL string
}

// NewExchanger creates an exchanger against the production endpoints.
func NewExchanger(opts ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		userAuthURL: DefaultUserAuthURL,
		xstsAuthURL: DefaultXSTSAuthURL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithHTTPClient overrides the HTTP client used for outbound calls.
func WithHTTPClient(client *http.Client) ExchangerOption {
	return func(e *Exchanger) {
		if client != nil {
			e.httpClient = client
		}
	}
}

// WithEndpoints overrides the exchange endpoints (testing).
func WithEndpoints(userAuthURL, xstsAuthURL string) ExchangerOption {
	return func(e *Exchanger) {
		if userAuthURL != "" {
			e.userAuthURL = userAuthURL
		}
		if xstsAuthURL != "" {
			e.xstsAuthURL = xstsAuthURL
		}
	}
}

// UserToken exchanges the primary MSA token for an Xbox user token and the
// user handle claimed at this stage.
func (e *Exchanger) UserToken(ctx context.Context, msaToken string) (token, userHandle string, err error) {
	var payload userTokenRequest
	payload.Properties.AuthMethod = "RPS"
	payload.Properties.SiteName = "user.auth.xboxlive.com"
	payload.Properties.RpsTicket = "d=" + msaToken
	payload.RelyingParty = userRelyingParty
	payload.TokenType = "JWT"

	return e.exchange(ctx, e.userAuthURL, payload, "user")
}

// XSTSToken exchanges the Xbox user token for an XSTS token. The user handle
// returned here is the authoritative one composed into the final credential.
func (e *Exchanger) XSTSToken(ctx context.Context, userToken string) (token, userHandle string, err error) {
	var payload xstsTokenRequest
	payload.Properties.SandboxID = "RETAIL"
	payload.Properties.UserTokens = []string{userToken}
	payload.RelyingParty = xstsRelyingParty
	payload.TokenType = "JWT"

	return e.exchange(ctx, e.xstsAuthURL, payload, "xsts")
}

func (e *Exchanger) exchange(ctx context.Context, endpoint string, payload any, stage string) (string, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", "", faults.Wrap(faults.ProtocolError, err, "marshal %s exchange request", stage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", faults.Wrap(faults.NetworkFailure, err, "create %s exchange request", stage)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		log.WithError(err).WithField("kind", logging.ErrorKind(0, true)).Warnf("%s token exchange failed", stage)
		return "", "", faults.Wrap(faults.NetworkFailure, err, "%s token exchange", stage)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", faults.Wrap(faults.NetworkFailure, err, "read %s exchange response", stage)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithFields(log.Fields{
			"stage":  stage,
			"status": resp.StatusCode,
			"kind":   logging.ErrorKind(resp.StatusCode, true),
		}).Warn("token exchange rejected")
		return "", "", faults.New(faults.NetworkFailure, "%s token exchange returned status %d", stage, resp.StatusCode)
	}

	token := gjson.GetBytes(data, "Token")
	userHandle := gjson.GetBytes(data, "DisplayClaims.xui.0.uhs")
	if !token.Exists() || token.String() == "" {
		return "", "", faults.New(faults.ProtocolError, "%s exchange response missing Token", stage)
	}
	if !userHandle.Exists() || userHandle.String() == "" {
		return "", "", faults.New(faults.ProtocolError, "%s exchange response missing DisplayClaims.xui.0.uhs", stage)
	}

	return token.String(), userHandle.String(), nil
}
