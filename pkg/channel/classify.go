package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type whatsAppClass int

const (
	waRateLimit whatsAppClass = iota + 1
	waTransient
	waPermanent
)

// whatsAppCodes classifies WhatsApp Cloud API error codes. Unknown codes are retried.
var whatsAppCodes = map[int]whatsAppClass{
	3: waRateLimit, 130: waRateLimit, 132069: waRateLimit, 80007: waRateLimit,

	0: waTransient, 1: waTransient, 4: waTransient, 131005: waTransient, 131016: waTransient,
	131026: waTransient, 132000: waTransient, 132001: waTransient, 132005: waTransient,
	190: waTransient, 368: waTransient, 471: waTransient,

	2: waPermanent, 5: waPermanent, 100: waPermanent, 131000: waPermanent, 131008: waPermanent,
	131009: waPermanent, 131021: waPermanent, 131031: waPermanent, 131042: waPermanent,
	131045: waPermanent, 131047: waPermanent, 131051: waPermanent, 131052: waPermanent,
	131053: waPermanent, 132007: waPermanent, 132012: waPermanent, 132015: waPermanent,
	132016: waPermanent, 132068: waPermanent, 135000: waPermanent, 200: waPermanent, 470: waPermanent,
}

func init() {
	for code := 133000; code <= 133016; code++ {
		whatsAppCodes[code] = waPermanent
	}
}

// ClassifyWhatsAppCode maps a Cloud API error code onto a SendError.
func ClassifyWhatsAppCode(code int, message string) *SendError {
	c := strconv.Itoa(code)
	switch whatsAppCodes[code] {
	case waRateLimit:
		return &SendError{Code: c, Message: message, Retryable: true, RateLimited: true}
	case waPermanent:
		return Permanent(c, message)
	default:
		return Retryable(c, message)
	}
}

type whatsAppErrorBody struct {
	Error *struct {
		Message string `json:"message"`
		Code    *int   `json:"code"`
	} `json:"error"`
}

type gatewayErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClassifyHTTPStatus classifies a non-2xx gateway answer. A WhatsApp error
// body takes precedence over the status code.
func ClassifyHTTPStatus(status int, body []byte, retryAfter string, now time.Time) *SendError {
	wait := parseRetryAfter(retryAfter, now)

	var wa whatsAppErrorBody
	if json.Unmarshal(body, &wa) == nil && wa.Error != nil && wa.Error.Code != nil {
		se := ClassifyWhatsAppCode(*wa.Error.Code, wa.Error.Message)
		se.StatusCode = status
		if se.RateLimited {
			se.RetryAfter = wait
		}
		return se
	}

	var gw gatewayErrorBody
	_ = json.Unmarshal(body, &gw)
	message := gw.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(status)
	}

	var se *SendError
	switch {
	case status == http.StatusTooManyRequests:
		se = &SendError{Code: CodeRateLimited, Message: message, Retryable: true, RateLimited: true, RetryAfter: wait}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		se = Retryable(CodeTimeout, message)
	case status >= 500:
		se = Retryable(fmt.Sprintf("HTTP_%d", status), message)
	default:
		se = Permanent(CodeProviderValidation, message)
	}
	if gw.Code != "" {
		se.Code = gw.Code
	}
	se.StatusCode = status
	return se
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
