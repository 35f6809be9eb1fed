package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsValidV4(t *testing.T) {
	id := New()
	assert.True(t, IsValid(id), id)
	assert.Equal(t, byte('4'), id[14])
}

func TestNewTimeOrdered_SortsByCreation(t *testing.T) {
	a := NewTimeOrdered()
	b := NewTimeOrdered()
	assert.True(t, IsValid(a))
	assert.Equal(t, byte('7'), a[14])
	assert.LessOrEqual(t, a[:13], b[:13])
}

func TestValidate_Rejects(t *testing.T) {
	cases := []string{
		"",
		"not-a-uuid",
		"123e4567e89b12d3a456426614174000",
		"123e4567-e89b-12d3-a456-426614174000", // v1
	}
	for _, c := range cases {
		assert.Error(t, Validate(c), c)
	}
}
