package directory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserValidate(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		wantErr bool
	}{
		{name: "complete", user: User{ObjectID: "u-1", Domain: "corp.local", SamAccountName: "jdoe"}},
		{name: "missing object id", user: User{Domain: "corp.local", SamAccountName: "jdoe"}, wantErr: true},
		{name: "missing domain", user: User{ObjectID: "u-1", SamAccountName: "jdoe"}, wantErr: true},
		{name: "blank sam", user: User{ObjectID: "u-1", Domain: "corp.local", SamAccountName: "  "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.user.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGroupAndPolicyRequireName(t *testing.T) {
	require.ErrorIs(t, (&Group{ObjectID: "g", Domain: "d"}).Validate(), ErrMissingName)
	require.ErrorIs(t, (&Policy{ObjectID: "p", Domain: "d"}).Validate(), ErrMissingName)
	require.NoError(t, (&Policy{ObjectID: "p", Domain: "d", Name: "Default Domain Policy"}).Validate())
}
