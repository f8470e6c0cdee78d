package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jmylchreest/acquire/internal/challenge"
	"github.com/jmylchreest/acquire/internal/version"
)

const (
	twoCaptchaBaseURL = "https://2captcha.com"
	// USD per solve
	twoCaptchaTurnstilePrice = 0.00145
	twoCaptchaHCaptchaPrice  = 0.00299
	twoCaptchaReCaptchaPrice = 0.00299
)

// TwoCaptcha solves challenges through the 2Captcha in.php/res.php API.
type TwoCaptcha struct {
	apiKey    string
	client    *resty.Client
	pollDelay time.Duration
	maxPolls  int
}

// twoCaptchaReply is the json=1 envelope of every 2Captcha endpoint.
type twoCaptchaReply struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// NewTwoCaptcha creates a client for the public 2Captcha API.
func NewTwoCaptcha(apiKey string) *TwoCaptcha {
	return newTwoCaptcha(apiKey, twoCaptchaBaseURL, 5*time.Second)
}

func newTwoCaptcha(apiKey, baseURL string, pollDelay time.Duration) *TwoCaptcha {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(30 * time.Second)
	client.SetHeader("User-Agent", version.UserAgent())

	return &TwoCaptcha{
		apiKey:    apiKey,
		client:    client,
		pollDelay: pollDelay,
		maxPolls:  60,
	}
}

func (t *TwoCaptcha) Name() string {
	return "2captcha"
}

func (t *TwoCaptcha) CanSolve(challengeType challenge.Type) bool {
	switch challengeType {
	case challenge.TypeCloudflareTurnstile,
		challenge.TypeHCaptcha,
		challenge.TypeReCaptchaV2,
		challenge.TypeReCaptchaV3:
		return true
	default:
		return false
	}
}

// Solve submits the task and polls until it is solved, fails or ctx ends.
func (t *TwoCaptcha) Solve(ctx context.Context, params SolveParams) (*SolveResult, error) {
	taskID, err := t.submitTask(ctx, params)
	if err != nil {
		return nil, err
	}

	token, err := t.pollResult(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &SolveResult{
		Token:      token,
		Valid:      2 * time.Minute,
		Cost:       price(params.Type),
		SolverName: t.Name(),
	}, nil
}

// price is the published per-solve rate.
func price(challengeType challenge.Type) float64 {
	switch challengeType {
	case challenge.TypeCloudflareTurnstile:
		return twoCaptchaTurnstilePrice
	case challenge.TypeHCaptcha:
		return twoCaptchaHCaptchaPrice
	case challenge.TypeReCaptchaV2, challenge.TypeReCaptchaV3:
		return twoCaptchaReCaptchaPrice
	default:
		return 0
	}
}

func (t *TwoCaptcha) Balance(ctx context.Context) (float64, error) {
	body, err := t.get(ctx, "/res.php", map[string]string{
		"key":    t.apiKey,
		"action": "getbalance",
		"json":   "1",
	})
	if err != nil {
		return -1, err
	}

	var reply twoCaptchaReply
	if err := json.Unmarshal(body, &reply); err != nil {
		balance, perr := strconv.ParseFloat(strings.TrimSpace(string(body)), 64)
		if perr != nil {
			return -1, fmt.Errorf("failed to parse balance: %s", string(body))
		}
		return balance, nil
	}
	if reply.Status != 1 {
		return -1, fmt.Errorf("failed to get balance: %s", reply.Request)
	}

	balance, err := strconv.ParseFloat(reply.Request, 64)
	if err != nil {
		return -1, fmt.Errorf("failed to parse balance: %w", err)
	}
	return balance, nil
}

func (t *TwoCaptcha) submitTask(ctx context.Context, params SolveParams) (string, error) {
	values := map[string]string{
		"key":     t.apiKey,
		"json":    "1",
		"pageurl": params.PageURL,
		"sitekey": params.SiteKey,
	}

	switch params.Type {
	case challenge.TypeCloudflareTurnstile:
		values["method"] = "turnstile"
		if params.Action != "" {
			values["action"] = params.Action
		}
		if params.CData != "" {
			values["data"] = params.CData
		}
	case challenge.TypeHCaptcha:
		values["method"] = "hcaptcha"
	case challenge.TypeReCaptchaV2:
		values["method"] = "userrecaptcha"
	case challenge.TypeReCaptchaV3:
		values["method"] = "userrecaptcha"
		values["version"] = "v3"
		if params.Action != "" {
			values["action"] = params.Action
		}
	default:
		return "", fmt.Errorf("unsupported challenge type: %s", params.Type)
	}

	if p := params.Proxy; p != nil {
		proxyStr := p.Host
		if p.Username != "" {
			proxyStr = p.Username + ":" + p.Password + "@" + p.Host
		}
		values["proxy"] = proxyStr
		values["proxytype"] = strings.ToUpper(p.Scheme)
	}

	body, err := t.get(ctx, "/in.php", values)
	if err != nil {
		return "", err
	}

	var reply twoCaptchaReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", fmt.Errorf("failed to parse response: %s", string(body))
	}
	if reply.Status != 1 {
		if reply.Request == "ERROR_ZERO_BALANCE" {
			return "", ErrInsufficientFunds
		}
		return "", &SolverError{Message: "2captcha error: " + reply.Request}
	}
	return reply.Request, nil
}

func (t *TwoCaptcha) pollResult(ctx context.Context, taskID string) (string, error) {
	values := map[string]string{
		"key":    t.apiKey,
		"action": "get",
		"id":     taskID,
		"json":   "1",
	}

	for i := 0; i < t.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", &SolverError{Message: "solve abandoned", Cause: ctx.Err()}
		case <-time.After(t.pollDelay):
		}

		body, err := t.get(ctx, "/res.php", values)
		if err != nil {
			continue
		}

		var reply twoCaptchaReply
		if err := json.Unmarshal(body, &reply); err != nil {
			continue
		}
		if reply.Status == 1 {
			return reply.Request, nil
		}

		switch {
		case reply.Request == "CAPCHA_NOT_READY":
			continue
		case reply.Request == "ERROR_CAPTCHA_UNSOLVABLE":
			return "", &SolverError{Message: "CAPTCHA is unsolvable"}
		case strings.HasPrefix(reply.Request, "ERROR_"):
			return "", &SolverError{Message: reply.Request}
		}
	}

	return "", ErrSolverTimeout
}

func (t *TwoCaptcha) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	res, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("2captcha %s returned status %d", path, res.StatusCode())
	}
	return res.Body(), nil
}
