package purchases

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	m, err := ParseMetadata(map[string]string{"userId": " u1 ", "assessmentId": "a1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, "a1", m.AssessmentID)
	assert.Equal(t, DefaultContentType, m.ContentType)

	m, err = ParseMetadata(map[string]string{"userId": "u1", "assessmentId": "a1", "contentType": "bundle"})
	require.NoError(t, err)
	assert.Equal(t, "bundle", m.ContentType)
}

func TestParseMetadata_Missing(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]string
		want []string
	}{
		{"nil map", nil, []string{"userId", "assessmentId"}},
		{"empty map", map[string]string{}, []string{"userId", "assessmentId"}},
		{"blank user", map[string]string{"userId": "  ", "assessmentId": "a1"}, []string{"userId"}},
		{"missing assessment", map[string]string{"userId": "u1"}, []string{"assessmentId"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMetadata(tt.raw)
			require.ErrorIs(t, err, ErrMissingMetadata)
			for _, field := range tt.want {
				assert.Contains(t, err.Error(), field)
			}
		})
	}
}

func TestParseMetadata_TooLong(t *testing.T) {
	_, err := ParseMetadata(map[string]string{"userId": strings.Repeat("u", 200), "assessmentId": "a1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingMetadata)
}

func TestParseMetadata_RejectsNonIdentifiers(t *testing.T) {
	for _, raw := range []map[string]string{
		{"userId": "u 1", "assessmentId": "a1"},
		{"userId": "u1", "assessmentId": "a/1"},
		{"userId": "_u1", "assessmentId": "a1"},
	} {
		_, err := ParseMetadata(raw)
		require.Error(t, err, raw)
		assert.NotErrorIs(t, err, ErrMissingMetadata)
	}

	m, err := ParseMetadata(map[string]string{"userId": "org:42:u-1", "assessmentId": "quiz.v2_a1"})
	require.NoError(t, err)
	assert.Equal(t, "org:42:u-1", m.UserID)
}

func TestMetadata_Map(t *testing.T) {
	m := Metadata{UserID: "u1", AssessmentID: "a1"}
	assert.Equal(t, map[string]string{"userId": "u1", "assessmentId": "a1"}, m.Map())

	m.ContentType = "assessment"
	assert.Equal(t, "assessment", m.Map()["contentType"])
}
