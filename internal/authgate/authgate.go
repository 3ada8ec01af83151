// Package authgate implements the MD5 challenge/response handshake,
// initial-account bootstrap, and failed-attempt accounting of spec.md §4.6.
package authgate

import (
	"crypto/md5" //nolint:gosec // wire-protocol-specified hash, not a design choice — see DESIGN.md
	"encoding/hex"
	"time"

	"github.com/mistgo/streamcore/internal/config"
)

const (
	StatusOK      = "OK"
	StatusChall   = "CHALL"
	StatusNoAcc   = "NOACC"
	StatusAccMade = "ACC_MADE"
)

// AuthRequest is the client-submitted `{authorize:{...}}` payload.
type AuthRequest struct {
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"` // MD5(MD5(plaintext) || challenge), hex
	NewUsername string `json:"new_username,omitempty"`
	NewPassword string `json:"new_password,omitempty"` // plaintext, only present on the bootstrap path
}

// AuthResponse is the server's `{authorize:{...}}` reply.
type AuthResponse struct {
	Status    string `json:"status"`
	Challenge string `json:"challenge,omitempty"` // present only alongside CHALL
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Challenge computes MD5(date("DD-M-YYYY") || peerHost): a fresh value per
// request, rotating only once per calendar day per peer (spec.md §4.6). The
// exact unpadded day/month format is confirmed against
// _examples/original_source/src/controller/controller_api.cpp's
// `TimeInfo->tm_mday << "-" << TimeInfo->tm_mon << "-" << TimeInfo->tm_year + 1900`.
func Challenge(peerHost string, now time.Time) string {
	date := now.Format("2-1-2006")
	return md5Hex(date + peerHost)
}

// Authorize implements the OK/CHALL/NOACC/ACC_MADE branching of spec.md
// §4.6. onFailedAttempt, if non-nil, is invoked for every non-empty wrong
// password, as the "logged as a failed attempt with username and peer host"
// requirement describes; callers wire it to their logger/metrics.
func Authorize(store *config.Store, req AuthRequest, peerHost string, now time.Time, onFailedAttempt func(username, peerHost string)) (AuthResponse, bool) {
	challenge := Challenge(peerHost, now)

	if !store.HasAccounts() {
		if req.NewUsername != "" && req.NewPassword != "" {
			store.CreateAccount(req.NewUsername, md5Hex(req.NewPassword))
			return AuthResponse{Status: StatusAccMade}, true
		}
		return AuthResponse{Status: StatusNoAcc}, false
	}

	acc, ok := store.Account(req.Username)
	if ok && req.Password != "" {
		expected := md5Hex(acc.Password + challenge)
		if req.Password == expected {
			return AuthResponse{Status: StatusOK}, true
		}
	}

	if req.Password != "" && onFailedAttempt != nil {
		onFailedAttempt(req.Username, peerHost)
	}
	return AuthResponse{Status: StatusChall, Challenge: challenge}, false
}

// HashPlaintext returns MD5(plaintext), the form stored for an account's
// password and the first of the two hash rounds a client performs.
func HashPlaintext(plaintext string) string { return md5Hex(plaintext) }

// SubmittedPassword computes MD5(MD5(plaintext) || challenge), the value a
// client sends as AuthRequest.Password.
func SubmittedPassword(plaintext, challenge string) string {
	return md5Hex(md5Hex(plaintext) + challenge)
}
