package llm

import (
	"strings"
)

// ErrorClass buckets upstream LLM failures for user-visible reporting.
type ErrorClass string

const (
	ErrorClassAuth              ErrorClass = "auth"
	ErrorClassRateLimit         ErrorClass = "rate_limit"
	ErrorClassInsufficientFunds ErrorClass = "insufficient_funds"
	ErrorClassOther             ErrorClass = "other"
)

// ClassifyError maps an upstream error to its class by status code and
// message substrings, mirroring the codes common OpenAI-compatible
// providers return.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassOther
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "30001"), strings.Contains(msg, "balance is insufficient"),
		strings.Contains(msg, "insufficient balance"), strings.Contains(msg, "余额不足"):
		return ErrorClassInsufficientFunds
	case strings.Contains(msg, "401"), strings.Contains(msg, "authentication"),
		strings.Contains(msg, "invalid api key"), strings.Contains(msg, "unauthorized"):
		return ErrorClassAuth
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return ErrorClassRateLimit
	default:
		return ErrorClassOther
	}
}

// SystemNotice renders the single synthetic token shown to the chat when a
// persona's upstream call fails.
func SystemNotice(class ErrorClass, err error) string {
	switch class {
	case ErrorClassInsufficientFunds:
		return "[系统提示] API 账户余额不足，请充值后重试。"
	case ErrorClassAuth:
		return "[系统提示] API 认证失败，请检查该角色绑定的 API Key。"
	case ErrorClassRateLimit:
		return "[系统提示] API 请求频率超限，请稍后再试。"
	default:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		return "[系统提示] API 调用失败，请稍后再试: " + msg
	}
}
