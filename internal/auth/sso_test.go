package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavente-sso/identity-server/internal/auth"
)

func TestSSOAllowList_Validate(t *testing.T) {
	list := auth.NewSSOAllowList(map[string][]string{
		"t1": {"https://app.example", "http://localhost:3000"},
	})

	tests := []struct {
		name        string
		tenantID    string
		redirectURI string
		wantOK      bool
	}{
		{"allowed origin with path", "t1", "https://app.example/cb?next=1", true},
		{"allowed localhost with port", "t1", "http://localhost:3000/done", true},
		{"unknown origin", "t1", "https://evil.example/cb", false},
		{"same host different scheme", "t1", "http://app.example/cb", false},
		{"same host extra port", "t1", "https://app.example:8443/cb", false},
		{"subdomain is not the listed origin", "t1", "https://sub.app.example/cb", false},
		{"tenant with no allow-list", "t2", "https://app.example/cb", false},
		{"relative uri", "t1", "/cb", false},
		{"empty uri", "t1", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u, err := list.Validate(tc.tenantID, tc.redirectURI)
			if tc.wantOK {
				require.NoError(t, err)
				assert.NotNil(t, u)
				return
			}
			assert.Error(t, err)
		})
	}
}

func TestSSOAllowList_TrailingSlashInConfigIsNormalized(t *testing.T) {
	list := auth.NewSSOAllowList(map[string][]string{"t1": {"https://app.example/"}})
	_, err := list.Validate("t1", "https://app.example/cb")
	assert.NoError(t, err)
}
