package msauth

// TokenResponse models the fields of the MSA token endpoint response that
// matter to the refresh path. Everything else is opaque.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
