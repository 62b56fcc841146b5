package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"market.db", "market.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		{"file:x?mode=memory", "file:x?mode=memory&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
		{"file:x?_pragma=busy_timeout(100)", "file:x?_pragma=busy_timeout(100)&_pragma=foreign_keys(1)"},
		{"file:x?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", "file:x?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, sqliteDSN(tc.in), tc.in)
	}
}
