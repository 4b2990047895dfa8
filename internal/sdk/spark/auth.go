package spark

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultURL 为 4.0Ultra 的对话接口。
	DefaultURL = "wss://spark-api.xf-yun.com/v4.0/chat"
	// DefaultDomain 为 DefaultURL 对应的模型 domain。
	DefaultDomain = "4.0Ultra"

	placeholderScheme = "ws(s)://"
)

// NormalizeURL 处理空地址以及文档中常见的 "ws(s)://" 写法。
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultURL
	}
	if strings.HasPrefix(raw, placeholderScheme) {
		return "wss://" + strings.TrimPrefix(raw, placeholderScheme)
	}
	return raw
}

// SignURL 按 hmac-sha256 规则生成带鉴权参数的握手地址。
// 签名原文为 "host: <host>\ndate: <date>\nGET <path> HTTP/1.1"。
func SignURL(rawURL, apiKey, apiSecret string, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse spark url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("spark url %q has no host", rawURL)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	date := now.UTC().Format(http.TimeFormat)
	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", u.Host, date, path)
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authorization := fmt.Sprintf(
		`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		apiKey, signature,
	)

	query := u.Query()
	query.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	query.Set("date", date)
	query.Set("host", u.Host)
	u.RawQuery = query.Encode()
	return u.String(), nil
}
