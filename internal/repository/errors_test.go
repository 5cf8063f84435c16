package repository

import (
	"errors"
	"testing"
)

func TestMySQLErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		duplicate bool
		foreign   bool
	}{
		{
			name:      "duplicate key",
			err:       errors.New("Error 1062: Duplicate entry 'VX7Q2M' for key 'invitations.code'"),
			duplicate: true,
		},
		{
			name:    "row still referenced",
			err:     errors.New("Error 1451: Cannot delete or update a parent row: a foreign key constraint fails"),
			foreign: true,
		},
		{
			name:    "referenced row missing",
			err:     errors.New("Error 1452: Cannot add or update a child row: a foreign key constraint fails"),
			foreign: true,
		},
		{
			name: "unrelated failure stays unclassified",
			err:  errors.New("Error 1205: Lock wait timeout exceeded"),
		},
		{
			name: "nil error",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isDuplicate(tc.err); got != tc.duplicate {
				t.Errorf("isDuplicate(%v) = %v, want %v", tc.err, got, tc.duplicate)
			}
			if got := isForeignKey(tc.err); got != tc.foreign {
				t.Errorf("isForeignKey(%v) = %v, want %v", tc.err, got, tc.foreign)
			}
		})
	}
}
