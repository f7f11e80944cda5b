// ABOUTME: Unit tests for webhook correlation tokens: round trip, integrity
// ABOUTME: check, malformed input rejection.
package queue

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filipekp/queue/internal/store"
)

func TestWebhookTokenRoundTrip(t *testing.T) {
	for _, id := range []int64{1, 42, 1<<40 + 7} {
		token := WebhookToken(id)

		got, err := ParseWebhookToken(token)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestWebhookTokenNonceVariesTokens(t *testing.T) {
	// Two issuances for the same id must not collide; both still resolve.
	a, b := WebhookToken(7), WebhookToken(7)
	assert.NotEqual(t, a, b)

	idA, err := ParseWebhookToken(a)
	require.NoError(t, err)
	idB, err := ParseWebhookToken(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}

func TestParseWebhookTokenRejectsBadInput(t *testing.T) {
	valid := WebhookToken(99)
	body, sum, _ := strings.Cut(valid, ".")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separator", body},
		{"bad base64", "!!!." + sum},
		{"bad checksum", body + ".00000000"},
		{"truncated body", body[:len(body)-4] + "." + sum},
		{"not json", "bm90IGpzb24." + sum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWebhookToken(tt.token)
			assert.True(t, errors.Is(err, store.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestParseWebhookTokenRejectsTampering(t *testing.T) {
	token := WebhookToken(5)

	// Flip one character in the encoded body; the checksum no longer matches.
	tampered := []byte(token)
	if tampered[0] == 'A' {
		tampered[0] = 'B'
	} else {
		tampered[0] = 'A'
	}

	_, err := ParseWebhookToken(string(tampered))
	assert.True(t, errors.Is(err, store.ErrInvalidArgument))
}
