package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/backend-ledger/ledger/internal/domain"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from domain.AccountStatus
		to   domain.AccountStatus
		want bool
	}{
		{"active to frozen", domain.AccountStatusActive, domain.AccountStatusFrozen, true},
		{"active to closed", domain.AccountStatusActive, domain.AccountStatusClosed, true},
		{"frozen to active", domain.AccountStatusFrozen, domain.AccountStatusActive, true},
		{"frozen to closed", domain.AccountStatusFrozen, domain.AccountStatusClosed, true},
		{"closed to active", domain.AccountStatusClosed, domain.AccountStatusActive, false},
		{"closed to frozen", domain.AccountStatusClosed, domain.AccountStatusFrozen, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, validTransition(tc.from, tc.to))
		})
	}
}
