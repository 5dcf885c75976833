package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := MakeSet[int](10)
	require.Empty(t, s)

	s.Insert(3, 7)
	require.Len(t, s, 2)
	require.True(t, s.Has(3))
	require.True(t, s.Has(7))
	require.False(t, s.Has(5))

	s2 := SetWith(5, 7)
	require.True(t, s2.Has(5))
	require.True(t, s2.Has(7))
	require.False(t, s2.Has(3))

	// s - s2 keeps only 3.
	s3 := s.Sub(s2)
	require.Len(t, s3, 1)
	require.True(t, s3.Has(3))

	delete(s, 7)
	require.True(t, s.Equal(s3))
	require.False(t, s.Equal(s2))
	require.False(t, s.Equal(SetWith(-3)))
}
