package auth

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrSignatureInvalid = errors.New("auth: signature invalid")
	ErrSignatureExpired = errors.New("auth: signature expired")
)

// FileSignature computes the hex HMAC-SHA256 over "{agentId}|{path}|{exp}".
func FileSignature(secret []byte, agentID, path string, exp int64) string {
	payload := fmt.Sprintf("%s|%s|%d", agentID, path, exp)
	return hex.EncodeToString(hmacSHA256(secret, payload))
}

// SignFileURL builds the signed download path for an agent file, valid
// until expiry.
func SignFileURL(secret []byte, hubURL, agentID, path string, expiry time.Time) string {
	exp := expiry.Unix()
	sig := FileSignature(secret, agentID, path, exp)
	return fmt.Sprintf("%s/agents/%s/files/%s?sig=%s&exp=%d",
		hubURL, url.PathEscape(agentID), path, sig, exp)
}

// VerifyFileSignature validates a presented signature and expiry for an
// agent file request. Missing, malformed, expired, and forged signatures
// all fail.
func VerifyFileSignature(secret []byte, agentID, path, sig, expStr string, now time.Time) error {
	if sig == "" || expStr == "" {
		return ErrSignatureInvalid
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want := FileSignature(secret, agentID, path, exp)
	presented, err := hex.DecodeString(sig)
	if err != nil {
		return ErrSignatureInvalid
	}
	expected, _ := hex.DecodeString(want)
	if !hmac.Equal(presented, expected) {
		return ErrSignatureInvalid
	}
	if now.Unix() >= exp {
		return ErrSignatureExpired
	}
	return nil
}
