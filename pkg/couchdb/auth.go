// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package couchdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cloudant-labs/couchbackup/pkg/cberrors"
)

// authenticate attaches whatever credential the Client was configured
// with to req, performing a session login or IAM token exchange first if
// none is cached yet.
func (c *Client) authenticate(ctx context.Context, req *http.Request) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	switch {
	case c.sessionAuth != nil:
		if c.sessionAuth.cookie == "" {
			if err := c.login(ctx); err != nil {
				return err
			}
		}
		req.Header.Set("Cookie", c.sessionAuth.cookie)
	case c.iamAuth != nil:
		if c.iamAuth.tokenSource == nil {
			c.iamAuth.tokenSource = oauth2.ReuseTokenSource(nil, &iamTokenSource{
				httpClient: c.httpClient,
				tokenURL:   c.iamAuth.tokenURL,
				apiKey:     c.iamAuth.apiKey,
			})
		}
		tok, err := c.iamAuth.tokenSource.Token()
		if err != nil {
			return cberrors.Wrap(cberrors.Unauthorized, err, "IAM token exchange failed")
		}
		tok.SetAuthHeader(req)
	}
	return nil
}

// login performs a CouchDB/Cloudant cookie login and caches the resulting
// AuthSession cookie.
func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("name", c.sessionAuth.username)
	form.Set("password", c.sessionAuth.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("_session"), strings.NewReader(form.Encode()))
	if err != nil {
		return cberrors.Wrap(cberrors.HTTPFatalError, err, "building session login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cberrors.Wrap(cberrors.HTTPFatalError, err, "session login").Transient()
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return cberrors.New(cberrors.Unauthorized, "session login rejected")
	}
	if resp.StatusCode >= 400 {
		return cberrors.Newf(cberrors.HTTPFatalError, "session login: %d", resp.StatusCode)
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "AuthSession" {
			c.sessionAuth.cookie = cookie.String()
			return nil
		}
	}
	return cberrors.New(cberrors.Unauthorized, "session login did not return AuthSession cookie")
}

// refreshSession re-authenticates ahead of expiry: with cookie auth it
// drops the cached cookie and logs in again at once; with IAM auth it drops
// the cached token source so the next request exchanges the API key anew.
// Used by the session keeper (C14).
func (c *Client) refreshSession(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.sessionAuth != nil {
		c.sessionAuth.cookie = ""
		return c.login(ctx)
	}
	if c.iamAuth != nil {
		c.iamAuth.tokenSource = nil
	}
	return nil
}

// iamTokenSource exchanges an IAM API key for a bearer token using IBM
// Cloud IAM's apikey grant, implementing oauth2.TokenSource so the result
// can be cached and auto-refreshed via oauth2.ReuseTokenSource the way any
// other oauth2-backed client in the ecosystem would.
type iamTokenSource struct {
	httpClient *http.Client
	tokenURL   string
	apiKey     string
}

func (s *iamTokenSource) Token() (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", s.apiKey)
	form.Set("response_type", "cloud_iam")

	req, err := http.NewRequest(http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("IAM token exchange: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: body.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
