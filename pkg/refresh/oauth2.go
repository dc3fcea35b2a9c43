package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"golang.org/x/oauth2"
)

// OAuth2Renewer renews through a standard OAuth2 refresh_token grant, for
// deployments that front the API with an OAuth2 authorization server.
type OAuth2Renewer struct {
	Config     *oauth2.Config
	HTTPClient *http.Client
}

func (r *OAuth2Renewer) Renew(ctx context.Context, refreshToken string) (credstore.TokenPair, error) {
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	// An empty access token forces the source to hit the token endpoint.
	tok, err := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			code := re.ErrorCode
			if code == "" {
				return credstore.TokenPair{}, parseErrorBody(re.Response.StatusCode, re.Body)
			}
			return credstore.TokenPair{}, classify(re.Response.StatusCode, code, re.ErrorDescription)
		}
		return credstore.TokenPair{}, fmt.Errorf("refresh grant: %w", err)
	}

	pair := credstore.TokenPair{Access: tok.AccessToken, Refresh: tok.RefreshToken}
	if pair.Refresh == "" {
		pair.Refresh = refreshToken
	}
	if err := pair.Validate(); err != nil {
		return credstore.TokenPair{}, fmt.Errorf("refresh grant: %w", err)
	}
	return pair, nil
}
