package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testRecord(expiry time.Time) *Record {
	return &Record{
		Backend: "gdrive",
		UserID:  "alice",
		Token: &oauth2.Token{
			AccessToken:  "access-abc",
			RefreshToken: "refresh-xyz",
			Expiry:       expiry,
		},
		Scopes:  "drive.file email",
		Success: true,
		Profile: Profile{Name: "Alice Smith", Email: "alice@example.com"},
	}
}

func TestRecord_Usable(t *testing.T) {
	rec := testRecord(time.Now().Add(time.Hour))
	assert.True(t, rec.Usable())

	rec.Token.AccessToken = ""
	assert.False(t, rec.Usable())

	var nilRec *Record
	assert.False(t, nilRec.Usable())

	assert.False(t, (&Record{}).Usable())
}

func TestRecord_Expired(t *testing.T) {
	now := time.Now()

	assert.False(t, testRecord(now.Add(time.Minute)).Expired(now))
	assert.True(t, testRecord(now.Add(-time.Minute)).Expired(now))

	// Zero expiry means unknown lifetime — never considered expired.
	assert.False(t, testRecord(time.Time{}).Expired(now))
}

func TestRecord_Clone_NoAliasing(t *testing.T) {
	orig := testRecord(time.Now().Add(time.Hour))
	orig.Metadata = map[string]string{"tenant": "contoso"}

	cp := orig.Clone()
	require.NotNil(t, cp)

	cp.Token.AccessToken = "mutated"
	cp.Metadata["tenant"] = "fabrikam"
	cp.NeedsReauth = true

	assert.Equal(t, "access-abc", orig.Token.AccessToken)
	assert.Equal(t, "contoso", orig.Metadata["tenant"])
	assert.False(t, orig.NeedsReauth)
}

func TestRecord_CloneNil(t *testing.T) {
	var rec *Record
	assert.Nil(t, rec.Clone())
}

func TestStateFor(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		rec  *Record
		want AuthState
	}{
		{"nil record", nil, NotAuthenticated},
		{"empty token", &Record{Token: &oauth2.Token{}}, NotAuthenticated},
		{"valid token", testRecord(now.Add(time.Hour)), Authenticated},
		{"unknown lifetime", testRecord(time.Time{}), Authenticated},
		{
			"needs reauth flag wins over valid token",
			func() *Record {
				r := testRecord(now.Add(time.Hour))
				r.NeedsReauth = true
				return r
			}(),
			NeedsReauth,
		},
		{
			"permission issue surfaces as needs reauth",
			func() *Record {
				r := testRecord(now.Add(time.Hour))
				r.PermissionIssue = true
				return r
			}(),
			NeedsReauth,
		},
		{
			"expired with refresh token",
			testRecord(now.Add(-time.Minute)),
			NeedsRefresh,
		},
		{
			"expired without refresh token",
			func() *Record {
				r := testRecord(now.Add(-time.Minute))
				r.Token.RefreshToken = ""
				return r
			}(),
			NeedsReauth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateFor(tt.rec, now))
		})
	}
}

func TestAuthState_String(t *testing.T) {
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "needs_reauth", NeedsReauth.String())
	assert.Equal(t, "unknown", AuthState(99).String())
}
