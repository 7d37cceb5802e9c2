package publish

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSignatureMismatch は署名がボディと一致しないことを示す。
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	// ErrSignatureExpired は署名のタイムスタンプが許容範囲外であることを示す。
	ErrSignatureExpired = errors.New("webhook signature timestamp out of tolerance")
	// ErrSignatureMalformed は署名ヘッダーの形式が不正であることを示す。
	ErrSignatureMalformed = errors.New("webhook signature header malformed")
)

// WebhookVerifier はCMS Webhookの署名検証を行う。
// ヘッダー形式は "sha256=<hex>, t=<unix-ts>"、署名は生のリクエストボディに対する
// 共有シークレットでのHMAC-SHA256。
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
}

// NewWebhookVerifier はWebhookVerifierを生成する。
// toleranceはタイムスタンプの許容ずれ幅（リプレイ対策）。
func NewWebhookVerifier(secret string, tolerance time.Duration) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
	}
}

// Verify は生ボディと署名ヘッダーを検証する。
// 比較は常に一定時間比較（hmac.Equal）で行う。
func (v *WebhookVerifier) Verify(body []byte, header string, now time.Time) error {
	sigHex, ts, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		issued := time.Unix(ts, 0)
		drift := now.Sub(issued)
		if drift < 0 {
			drift = -drift
		}
		if drift > v.tolerance {
			return fmt.Errorf("%w: t=%d", ErrSignatureExpired, ts)
		}
	}

	expected, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid hex", ErrSignatureMalformed)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrSignatureMismatch
	}
	return nil
}

// parseSignatureHeader は "sha256=<hex>, t=<unix-ts>" 形式のヘッダーを分解する。
func parseSignatureHeader(header string) (sigHex string, ts int64, err error) {
	if header == "" {
		return "", 0, fmt.Errorf("%w: empty header", ErrSignatureMalformed)
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "sha256="):
			sigHex = strings.TrimPrefix(part, "sha256=")
		case strings.HasPrefix(part, "t="):
			ts, err = strconv.ParseInt(strings.TrimPrefix(part, "t="), 10, 64)
			if err != nil {
				return "", 0, fmt.Errorf("%w: invalid timestamp", ErrSignatureMalformed)
			}
		}
	}

	if sigHex == "" || ts == 0 {
		return "", 0, fmt.Errorf("%w: missing sha256 or t component", ErrSignatureMalformed)
	}
	return sigHex, ts, nil
}
