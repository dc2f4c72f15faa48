package synccore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// Register performs the OAuth2 authorization-code exchange against
// remoteURL's token endpoint, yielding the bearer token a subsequent
// Core uses against pkg/side/remote. location is the client-supplied
// redirect/callback value the remote echoes back as part of the
// exchange (an already-obtained authorization code in practice; the
// desktop chrome that drives the user through the browser consent flow
// lives outside this library).
func Register(ctx context.Context, remoteURL, clientID, clientSecret, location string) (Credentials, error) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "synccore: parsing remote URL")
	}
	u.Path = joinPath(u.Path, "oauth", "token")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {location},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(form.Encode()))
	if err != nil {
		return Credentials{}, errors.Wrap(err, "synccore: building registration request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "synccore: contacting remote for registration")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Credentials{}, errors.Errorf("synccore: registration rejected: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credentials{}, errors.Wrap(err, "synccore: decoding registration response")
	}
	if out.AccessToken == "" {
		return Credentials{}, errors.New("synccore: registration response carried no access token")
	}
	return Credentials{Token: out.AccessToken}, nil
}

func joinPath(base string, elem ...string) string {
	out := base
	for _, e := range elem {
		if out == "" || out[len(out)-1] != '/' {
			out += "/"
		}
		out += e
	}
	return out
}
