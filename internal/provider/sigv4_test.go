package provider

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigV4Sign(t *testing.T) {
	// AWS 官方测试向量 get-vanilla-query 场景
	t.Run("与官方测试向量一致", func(t *testing.T) {
		signer := &sigv4Signer{
			accessKey: "AKIDEXAMPLE",
			secretKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
			region:    "us-east-1",
			service:   "iam",
		}

		req, err := http.NewRequest(http.MethodGet, "https://iam.amazonaws.com/?Action=ListUsers&Version=2010-05-08", nil)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

		now := time.Date(2015, 8, 30, 12, 36, 0, 0, time.UTC)
		signer.Sign(req, nil, now)

		assert.Equal(t, "20150830T123600Z", req.Header.Get("X-Amz-Date"))
		assert.Equal(t,
			"AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20150830/us-east-1/iam/aws4_request, "+
				"SignedHeaders=content-type;host;x-amz-date, "+
				"Signature=5d672d79c15b13162d9279b0855cfba6789a8edb4c82c400e06b5924a6f2b5d7",
			req.Header.Get("Authorization"))
	})

	t.Run("同一请求同一时间签名稳定", func(t *testing.T) {
		signer := &sigv4Signer{accessKey: "AK", secretKey: "SK", region: "us-east-1", service: "ses"}
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		body := []byte(`{"FromEmailAddress":"box@example.com"}`)

		build := func() *http.Request {
			req, err := http.NewRequest(http.MethodPost, "https://email.us-east-1.amazonaws.com/v2/email/outbound-emails", nil)
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")
			return req
		}

		first := build()
		second := build()
		signer.Sign(first, body, now)
		signer.Sign(second, body, now)
		assert.Equal(t, first.Header.Get("Authorization"), second.Header.Get("Authorization"))
	})

	t.Run("载荷变化导致签名变化", func(t *testing.T) {
		signer := &sigv4Signer{accessKey: "AK", secretKey: "SK", region: "us-east-1", service: "ses"}
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		first, err := http.NewRequest(http.MethodPost, "https://email.us-east-1.amazonaws.com/v2/email/outbound-emails", nil)
		require.NoError(t, err)
		second, err := http.NewRequest(http.MethodPost, "https://email.us-east-1.amazonaws.com/v2/email/outbound-emails", nil)
		require.NoError(t, err)

		signer.Sign(first, []byte("a"), now)
		signer.Sign(second, []byte("b"), now)
		assert.NotEqual(t, first.Header.Get("Authorization"), second.Header.Get("Authorization"))
	})
}

func TestURIEncode(t *testing.T) {
	assert.Equal(t, "abc-_.~XYZ019", uriEncode("abc-_.~XYZ019"))
	assert.Equal(t, "a%20b", uriEncode("a b"))
	assert.Equal(t, "a%2Fb%3Dc%26d", uriEncode("a/b=c&d"))
}
