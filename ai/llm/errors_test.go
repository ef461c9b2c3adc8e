package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		message string
		want    ErrorClass
	}{
		{"error, status code: 401, message: authentication failed", ErrorClassAuth},
		{"Incorrect API key provided: invalid api key", ErrorClassAuth},
		{"error, status code: 429, message: rate limit reached", ErrorClassRateLimit},
		{"error code 30001: balance is insufficient", ErrorClassInsufficientFunds},
		{"connection reset by peer", ErrorClassOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(errors.New(tt.message)), tt.message)
	}
}

func TestSystemNoticePrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(SystemNotice(ErrorClassAuth, nil), "[系统提示] API 认证失败"))
	assert.True(t, strings.HasPrefix(SystemNotice(ErrorClassRateLimit, nil), "[系统提示] API 请求频率超限"))
	assert.True(t, strings.HasPrefix(SystemNotice(ErrorClassInsufficientFunds, nil), "[系统提示] API 账户余额不足"))
	assert.True(t, strings.HasPrefix(SystemNotice(ErrorClassOther, errors.New("boom")), "[系统提示] API 调用失败"))
}
