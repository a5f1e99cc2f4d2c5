package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursorRoundTrip(t *testing.T) {
	cursor := &domain.JobCursor{
		CreatedAt: time.Date(2026, 3, 2, 12, 0, 0, 123456789, time.UTC),
		JobID:     "6f1c2d9e-8a4b-4c1d-9e2f-0a1b2c3d4e5f",
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	assert.Equal(t, cursor.JobID, decoded.JobID)
	assert.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	decoded, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, decoded)

	for _, raw := range []string{
		"!!!",
		base64.URLEncoding.EncodeToString([]byte("no-separator")),
		base64.URLEncoding.EncodeToString([]byte("abc|job")),
		base64.URLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := DecodeJobCursor(raw)
		assert.Error(t, err, raw)
	}
}
