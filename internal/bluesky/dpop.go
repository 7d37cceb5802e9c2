package bluesky

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GenerateProofKey はDPoP束縛用のP-256秘密鍵を生成し、PEM形式で返す。
// 認可フロー開始時に1回だけ生成され、グラントの生存期間中は不変。
func GenerateProofKey() (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate proof key: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof key: %w", err)
	}

	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParseProofKey はPEM形式のDPoP秘密鍵をパースする。
func ParseProofKey(pemStr string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode proof key PEM")
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proof key: %w", err)
	}
	return key, nil
}

// dpopProof はDPoP証明JWT（RFC 9449）を生成する。
// htm/htuはリクエストのメソッドとURL（クエリ・フラグメント除去済み）、
// accessTokenが空でない場合はathクレーム（トークンのSHA-256ハッシュ）を含める。
// nonceはサーバーから指示された場合のみ設定する。
func dpopProof(key *ecdsa.PrivateKey, method, rawURL, accessToken, nonce string, now time.Time) (string, error) {
	htu, err := canonicalHTU(rawURL)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"jti": uuid.New().String(),
		"htm": method,
		"htu": htu,
		"iat": now.Unix(),
	}
	if accessToken != "" {
		hash := sha256.Sum256([]byte(accessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(hash[:])
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = publicJWK(key)

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign DPoP proof: %w", err)
	}
	return signed, nil
}

// canonicalHTU はhtuクレーム用にURLからクエリとフラグメントを除去する。
func canonicalHTU(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid request URL for DPoP proof: %w", err)
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

// publicJWK はjwkヘッダー用の公開鍵表現を生成する。
func publicJWK(key *ecdsa.PrivateKey) map[string]string {
	// P-256の座標は32バイト固定長でエンコードする
	x := make([]byte, 32)
	y := make([]byte, 32)
	key.PublicKey.X.FillBytes(x)
	key.PublicKey.Y.FillBytes(y)

	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}
}
