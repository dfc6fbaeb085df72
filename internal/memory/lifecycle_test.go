package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l := Active()
	assert.True(t, l.IsActive())
	_, err := l.Purge(now)
	require.ErrorIs(t, err, ErrInvalidInput)

	l = SoftDeleted(now)
	at, ok := l.DeletedAt()
	require.True(t, ok)
	assert.Equal(t, now, at)

	purged, err := l.Purge(now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatePurged, purged.State())
	d, p := purged.Columns()
	require.NotNil(t, d)
	require.NotNil(t, p)
	assert.Equal(t, now, *d)
	assert.Equal(t, now.Add(time.Hour), *p)
}

func TestLifecycleFromColumnsRejectsPurgeWithoutDelete(t *testing.T) {
	now := time.Now()
	_, err := LifecycleFromColumns(nil, &now)
	require.ErrorIs(t, err, ErrInvalidInput)

	l, err := LifecycleFromColumns(nil, nil)
	require.NoError(t, err)
	assert.True(t, l.IsActive())
}

func TestContentHashNormalizes(t *testing.T) {
	assert.Equal(t, ContentHash("My name is Alice"), ContentHash("  my NAME is alice \n"))
	assert.NotEqual(t, ContentHash("My name is Alice"), ContentHash("My name is Bob"))
	assert.Len(t, ContentHash("x"), 64)
}

func TestEmbeddingIDRoundTrip(t *testing.T) {
	assert.Equal(t, "fact_42", EmbeddingID(42))
	id, err := ParseEmbeddingID("fact_42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = ParseEmbeddingID("conv_1")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseEmbeddingID("fact_42x")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseCategories(t *testing.T) {
	assert.Equal(t, CategoryFactual, ParseMemoryCategory(" factual "))
	assert.Equal(t, CategoryEphemeral, ParseMemoryCategory("EPHEMERAL"))
	assert.Equal(t, CategoryConversational, ParseMemoryCategory("banana"))
	assert.Equal(t, FactPersonal, ParseFactCategory("personal"))
	assert.Equal(t, FactContext, ParseFactCategory(""))
	assert.False(t, ValidFactCategory("misc"))
}
