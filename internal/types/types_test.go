package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfirmationModeSatisfied(t *testing.T) {
	cases := []struct {
		mode     ConfirmationMode
		receiver bool
		admin    bool
		want     bool
	}{
		{ConfirmationModeReceiver, true, false, true},
		{ConfirmationModeReceiver, false, true, false},
		{ConfirmationModeAdmin, true, false, false},
		{ConfirmationModeAdmin, false, true, true},
		{ConfirmationModeBoth, true, false, false},
		{ConfirmationModeBoth, true, true, true},
		{ConfirmationModeReceiverOrAdmin, false, true, true},
		{ConfirmationModeReceiverOrAdmin, true, false, true},
		{ConfirmationModeReceiverOrAdmin, false, false, false},
		{ConfirmationMode("NOBODY"), true, true, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.mode.Satisfied(tc.receiver, tc.admin), "%s receiver=%v admin=%v", tc.mode, tc.receiver, tc.admin)
	}
}

func TestParseConfirmationMode(t *testing.T) {
	m, ok := ParseConfirmationMode(" both ")
	assert.True(t, ok)
	assert.Equal(t, ConfirmationModeBoth, m)
	_, ok = ParseConfirmationMode("x")
	assert.False(t, ok)
}

func TestParseKycLevel(t *testing.T) {
	l, ok := ParseKycLevel("basic")
	assert.True(t, ok)
	assert.Equal(t, KycLevelBasic, l)
	l, ok = ParseKycLevel("")
	assert.True(t, ok)
	assert.Equal(t, KycLevelNone, l)
	_, ok = ParseKycLevel("gold")
	assert.False(t, ok)
	assert.True(t, KycLevelAdvanced > KycLevelBasic)
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, AllocationStatusSettled.Terminal())
	assert.False(t, AllocationStatusDisputed.Terminal())
	assert.True(t, RequestStatusCancelled.Terminal())
	assert.False(t, RequestStatusPartiallySettled.Terminal())
	assert.True(t, ReservationStatusReleased.Terminal())
	assert.False(t, ReservationStatusReserved.Terminal())
}

func TestRef(t *testing.T) {
	r := NewRef(RefTypeAllocation, "a-1")
	assert.Equal(t, "P2P_ALLOCATION:a-1", r.String())
	assert.False(t, r.IsZero())
	assert.True(t, Ref{Type: RefTypeManual}.IsZero())
}
