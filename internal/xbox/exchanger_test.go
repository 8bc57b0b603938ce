package xbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"gophersnake-go/internal/faults"
)

func TestUserTokenRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		require.Equal(t, "RPS", gjson.GetBytes(body, "Properties.AuthMethod").String())
		require.Equal(t, "user.auth.xboxlive.com", gjson.GetBytes(body, "Properties.SiteName").String())
		require.Equal(t, "d=msa-token", gjson.GetBytes(body, "Properties.RpsTicket").String())
		require.Equal(t, "http://auth.xboxlive.com", gjson.GetBytes(body, "RelyingParty").String())
		require.Equal(t, "JWT", gjson.GetBytes(body, "TokenType").String())

		io.WriteString(w, `{"Token":"user-tok","DisplayClaims":{"xui":[{"uhs":"handle1"}]}}`)
	}))
	defer srv.Close()

	ex := NewExchanger(WithEndpoints(srv.URL, ""))
	token, uhs, err := ex.UserToken(context.Background(), "msa-token")
	require.NoError(t, err)
	require.Equal(t, "user-tok", token)
	require.Equal(t, "handle1", uhs)
}

func TestXSTSTokenRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		require.Equal(t, "RETAIL", gjson.GetBytes(body, "Properties.SandboxId").String())
		require.Equal(t, "user-tok", gjson.GetBytes(body, "Properties.UserTokens.0").String())
		require.Equal(t, "rp://api.minecraftservices.com/", gjson.GetBytes(body, "RelyingParty").String())

		io.WriteString(w, `{"Token":"xsts-tok","DisplayClaims":{"xui":[{"uhs":"handle2"}]}}`)
	}))
	defer srv.Close()

	ex := NewExchanger(WithEndpoints("", srv.URL))
	token, uhs, err := ex.XSTSToken(context.Background(), "user-tok")
	require.NoError(t, err)
	require.Equal(t, "xsts-tok", token)
	require.Equal(t, "handle2", uhs)
}

func TestExchangeHTTPFailureIsNetworkKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ex := NewExchanger(WithEndpoints(srv.URL, srv.URL))
	_, _, err := ex.UserToken(context.Background(), "bad")
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.NetworkFailure))
	require.False(t, faults.IsKind(err, faults.ProtocolError))
}

func TestExchangeMissingFieldsIsProtocolKind(t *testing.T) {
	cases := map[string]string{
		"missing token":  `{"DisplayClaims":{"xui":[{"uhs":"h"}]}}`,
		"missing claims": `{"Token":"tok"}`,
		"empty claims":   `{"Token":"tok","DisplayClaims":{"xui":[]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			}))
			defer srv.Close()

			ex := NewExchanger(WithEndpoints(srv.URL, srv.URL))
			_, _, err := ex.UserToken(context.Background(), "tok")
			require.Error(t, err)
			require.True(t, faults.IsKind(err, faults.ProtocolError))
			require.False(t, faults.IsKind(err, faults.NetworkFailure))
		})
	}
}

func TestCompositeFormat(t *testing.T) {
	require.Equal(t, "XBL3.0 x=abc123;tokval", FormatComposite("abc123", "tokval"))
}

func TestParseCompositeRoundTrip(t *testing.T) {
	uhs, secret, err := ParseComposite(FormatComposite("abc123", "tokval"))
	require.NoError(t, err)
	require.Equal(t, "abc123", uhs)
	require.Equal(t, "tokval", secret)
}

func TestParseCompositeRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"XBL2.0 x=a;b",
		"XBL3.0 a;b",
		"XBL3.0 x=a",
		"XBL3.0 x=;b",
	} {
		_, _, err := ParseComposite(bad)
		require.Error(t, err, "input %q", bad)
	}
}
