package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodeStoreTakeIsSingleUse(t *testing.T) {
	s := NewCodeStore()
	s.Put("code-1", CodePayload{UserID: "user-1", TenantID: "tenant-1", CodeChallenge: "abc"}, time.Minute)

	payload, ok := s.Take("code-1")
	require.True(t, ok)
	require.Equal(t, "user-1", payload.UserID)
	require.Equal(t, "abc", payload.CodeChallenge)

	_, ok = s.Take("code-1")
	require.False(t, ok)
}

func TestCodeStoreExpiredEntryIsAbsent(t *testing.T) {
	s := NewCodeStore()
	s.Put("code-1", CodePayload{UserID: "user-1"}, -time.Second)

	_, ok := s.Take("code-1")
	require.False(t, ok)
}

func TestParStoreRoundTrip(t *testing.T) {
	s := NewParStore()
	s.Put("urn:ietf:params:oauth:request_uri:deadbeef", ParPayload{
		RedirectURI:         "https://app.example.com/cb",
		Scope:               "openid",
		CodeChallenge:       "xyz",
		CodeChallengeMethod: "S256",
	}, time.Minute)

	payload, ok := s.Take("urn:ietf:params:oauth:request_uri:deadbeef")
	require.True(t, ok)
	require.Equal(t, "https://app.example.com/cb", payload.RedirectURI)

	_, ok = s.Take("urn:ietf:params:oauth:request_uri:deadbeef")
	require.False(t, ok)
}

func TestDeviceCodeStoreApprovalFlow(t *testing.T) {
	s := NewDeviceCodeStore()
	s.Put("dev-1", DeviceCodePayload{
		UserCode: "ABCD1234",
		TenantID: "tenant-1",
		ClientID: "client-1",
		Status:   DeviceCodePending,
	}, time.Minute)

	payload, ok := s.Get("dev-1")
	require.True(t, ok)
	require.Equal(t, DeviceCodePending, payload.Status)

	require.True(t, s.UpdateStatusByUserCode("ABCD1234", DeviceCodeApproved, "user-9"))

	payload, ok = s.Get("dev-1")
	require.True(t, ok)
	require.Equal(t, DeviceCodeApproved, payload.Status)
	require.Equal(t, "user-9", payload.UserID)

	payload, ok = s.Take("dev-1")
	require.True(t, ok)
	require.Equal(t, "user-9", payload.UserID)

	_, ok = s.Take("dev-1")
	require.False(t, ok)
}

func TestDeviceCodeStoreUnknownUserCode(t *testing.T) {
	s := NewDeviceCodeStore()
	require.False(t, s.UpdateStatusByUserCode("NOPE", DeviceCodeApproved, "user-1"))
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	s := NewCodeStore()
	s.Put("live", CodePayload{UserID: "a"}, time.Hour)
	s.Put("dead", CodePayload{UserID: "b"}, -time.Second)

	removed := s.Sweep(time.Now())
	require.Equal(t, 1, removed)

	_, ok := s.Take("live")
	require.True(t, ok)
}
