package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

func parseRetryAfterSeconds(headers http.Header) time.Duration {
	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ParseOpenAIRateLimitHeaders extracts rate limit info from
// OpenAI-compatible API headers (completions and embeddings).
func ParseOpenAIRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: parseRetryAfterSeconds(headers)}

	for _, header := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if resetStr := headers.Get(header); resetStr != "" {
			if resetTime, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
				info.ResetTime = resetTime
				break
			}
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.RequestsRemaining = n
		}
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.TokensRemaining = n
		}
	}
	return info
}

// ParseShopifyRateLimitHeaders extracts rate limit info from Shopify Admin
// API headers. Shopify uses a leaky bucket reported as "used/limit".
func ParseShopifyRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: parseRetryAfterSeconds(headers)}

	if bucket := headers.Get("X-Shopify-Shop-Api-Call-Limit"); bucket != "" {
		var used, limit int
		if n, err := parseBucket(bucket); err == nil {
			used, limit = n[0], n[1]
			info.RequestsRemaining = limit - used
		}
	}
	return info
}

func parseBucket(s string) ([2]int, error) {
	var used, limit int
	var out [2]int
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			u, err := strconv.Atoi(s[:i])
			if err != nil {
				return out, err
			}
			l, err := strconv.Atoi(s[i+1:])
			if err != nil {
				return out, err
			}
			used, limit = u, l
			break
		}
	}
	out[0], out[1] = used, limit
	return out, nil
}

// ParseSlackRateLimitHeaders extracts rate limit info from Slack Web API
// headers. Slack signals rate limiting exclusively via Retry-After.
func ParseSlackRateLimitHeaders(headers http.Header) RateLimitInfo {
	return RateLimitInfo{RetryAfter: parseRetryAfterSeconds(headers)}
}

// ParseGARateLimitHeaders extracts rate limit info from Google Analytics
// Data API headers.
func ParseGARateLimitHeaders(headers http.Header) RateLimitInfo {
	return RateLimitInfo{RetryAfter: parseRetryAfterSeconds(headers)}
}
