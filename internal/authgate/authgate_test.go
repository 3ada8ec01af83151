package authgate

import (
	"testing"
	"time"

	"github.com/mistgo/streamcore/internal/config"
)

func TestAuthorize_BootstrapFlow(t *testing.T) {
	store := config.New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	peer := "127.0.0.1"

	resp, ok := Authorize(store, AuthRequest{}, peer, now, nil)
	if ok || resp.Status != StatusNoAcc {
		t.Fatalf("empty authorize on fresh store = (%+v,%v), want (NOACC,false)", resp, ok)
	}

	resp, ok = Authorize(store, AuthRequest{NewUsername: "a", NewPassword: "b"}, peer, now, nil)
	if !ok || resp.Status != StatusAccMade {
		t.Fatalf("bootstrap create = (%+v,%v), want (ACC_MADE,true)", resp, ok)
	}

	challenge := Challenge(peer, now)
	submitted := SubmittedPassword("b", challenge)
	resp, ok = Authorize(store, AuthRequest{Username: "a", Password: submitted}, peer, now, nil)
	if !ok || resp.Status != StatusOK {
		t.Fatalf("authorize with valid challenge = (%+v,%v), want (OK,true)", resp, ok)
	}
}

func TestAuthorize_WrongPasswordReturnsChallAndLogs(t *testing.T) {
	store := config.New()
	now := time.Now()
	peer := "10.0.0.5"
	store.CreateAccount("a", HashPlaintext("correct"))

	var loggedUser, loggedPeer string
	onFail := func(username, peerHost string) {
		loggedUser, loggedPeer = username, peerHost
	}

	resp, ok := Authorize(store, AuthRequest{Username: "a", Password: "garbage"}, peer, now, onFail)
	if ok || resp.Status != StatusChall {
		t.Fatalf("wrong password = (%+v,%v), want (CHALL,false)", resp, ok)
	}
	if resp.Challenge == "" {
		t.Fatal("CHALL response must carry a challenge")
	}
	if loggedUser != "a" || loggedPeer != peer {
		t.Fatalf("onFailedAttempt(%q,%q), want (a,%q)", loggedUser, loggedPeer, peer)
	}
}

func TestAuthorize_EmptyPasswordDoesNotLogOrReveal(t *testing.T) {
	store := config.New()
	store.CreateAccount("a", HashPlaintext("x"))

	called := false
	onFail := func(string, string) { called = true }

	resp, ok := Authorize(store, AuthRequest{Username: "a"}, "1.2.3.4", time.Now(), onFail)
	if ok || resp.Status != StatusChall {
		t.Fatalf("got (%+v,%v), want (CHALL,false)", resp, ok)
	}
	if called {
		t.Fatal("an empty password attempt must not be logged as a failed attempt")
	}
}

func TestChallenge_StableWithinSameDay(t *testing.T) {
	now := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	later := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	if Challenge("1.2.3.4", now) != Challenge("1.2.3.4", later) {
		t.Fatal("challenge must be stable across the same calendar day")
	}
	tomorrow := time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	if Challenge("1.2.3.4", now) == Challenge("1.2.3.4", tomorrow) {
		t.Fatal("challenge must rotate across calendar days")
	}
}
