package credentials

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
)

func TestCredentialSetSkipsExhaustedKeys(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	set := NewCredentialSet([]string{"key-aaaa", "key-bbbb", "key-cccc"}, time.Hour, clock)

	set.MarkExhausted("key-aaaa", ReasonAuth)
	got := set.Available()
	if len(got) != 2 || got[0] != "key-bbbb" {
		t.Fatalf("Available = %v", got)
	}

	now = now.Add(61 * time.Minute)
	if got := set.Available(); len(got) != 3 {
		t.Fatalf("auth cooldown should have lapsed, got %v", got)
	}
}

func TestQuotaExhaustionLastsUntilPacificMidnight(t *testing.T) {
	// 2026-03-10 12:00 UTC is 05:00 PDT; reset is 2026-03-11 07:00 UTC.
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	set := NewCredentialSet([]string{"key-aaaa"}, time.Minute, func() time.Time { return now })

	until := set.MarkExhausted("key-aaaa", ReasonQuota)
	want := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	if !until.Equal(want) {
		t.Fatalf("until = %s, want %s", until.UTC(), want)
	}
	status := set.Status()
	if !status[0].Exhausted || status[0].Reason != ReasonQuota || status[0].Hint != "key...aaa" {
		t.Fatalf("status = %+v", status[0])
	}
}

func writeSession(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write session: %v", err)
	}
	return path
}

func TestLoadSessionValidatesRequiredCookie(t *testing.T) {
	path := writeSession(t, `{"url":"https://www.tiktok.com","cookies":[{"name":"msToken","value":"x","domain":".tiktok.com"}]}`)
	session, err := LoadSession(path, []string{"sessionid"}, nil)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if session.Valid() {
		t.Fatalf("session without sessionid must be invalid")
	}
	if _, err := session.Current(); domain.KindOf(err) != domain.KindSessionInvalid {
		t.Fatalf("Current kind = %s", domain.KindOf(err))
	}

	body := `[{"name":"sessionid","value":"abc","domain":".tiktok.com","path":"/","secure":true,"httpOnly":true}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := session.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	sm, err := session.Current()
	if err != nil {
		t.Fatalf("Current after reload: %v", err)
	}
	if c, ok := sm.Cookie("sessionid"); !ok || !c.HTTPOnly {
		t.Fatalf("cookie = %+v", c)
	}
}

func TestSessionInvalidateHaltsUntilReload(t *testing.T) {
	path := writeSession(t, `{"cookies":[{"name":"sessionid","value":"abc"}]}`)
	session, err := LoadSession(path, []string{"sessionid"}, nil)
	if err != nil || !session.Valid() {
		t.Fatalf("expected valid session, err=%v", err)
	}
	session.Invalidate(nil)
	if session.Valid() {
		t.Fatalf("invalidated session reported valid")
	}
	if err := session.Reload(); err != nil || !session.Valid() {
		t.Fatalf("reload should restore validity, err=%v", err)
	}
}

func TestExpiredCookieRejected(t *testing.T) {
	now := time.Unix(2_000_000_000, 0)
	sm := SessionMaterial{Cookies: []Cookie{{Name: "sessionid", Value: "v", ExpirationDate: float64(now.Add(-time.Hour).Unix())}}}
	if err := sm.Validate([]string{"sessionid"}, now); domain.KindOf(err) != domain.KindSessionInvalid {
		t.Fatalf("expected session invalid, got %v", err)
	}
}
