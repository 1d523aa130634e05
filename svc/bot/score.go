package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bindrop/svc/util"

	"github.com/shopspring/decimal"
)

var (
	scoreHuman = decimal.NewFromFloat(0.7)
	scoreBot   = decimal.Zero
)

// Verifier scores a challenge token through the upstream siteverify
// endpoint. A passing token scores 0.7, anything else scores 0.
// Verification never blocks a paste on transport failure, it just
// scores it as a bot and lets the threshold decide.
type Verifier struct {
	client    *http.Client
	verifyURL string
	secret    string
	enabled   bool
}

func NewVerifier(verifyURL, secret string, enabled bool) *Verifier {
	return &Verifier{
		client:    &http.Client{Timeout: 10 * time.Second},
		verifyURL: verifyURL,
		secret:    secret,
		enabled:   enabled,
	}
}

func (v *Verifier) Score(ctx context.Context, token string) decimal.Decimal {
	if !v.enabled || token == "" {
		return scoreBot
	}
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return scoreBot
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		util.Warn().Err(err).Msg("bot verify call failed")
		return scoreBot
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		util.Warn().Err(err).Msg("bot verify decode failed")
		return scoreBot
	}
	if !out.Success {
		return scoreBot
	}
	return scoreHuman
}
