// ABOUTME: Reversible webhook correlation tokens: base64url JSON + CRC32 suffix.
// ABOUTME: Integrity-checked against corruption only — NOT tamper-proof, not an auth boundary.
package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/google/uuid"

	"github.com/filipekp/queue/internal/store"
)

// tokenPayload is the decoded content of a webhook token. The nonce makes
// tokens for the same queue id distinct across issuances; it carries no
// meaning on the way back in.
type tokenPayload struct {
	QueueID int64  `json:"queue_id"`
	Nonce   string `json:"nonce"`
}

// WebhookToken produces an opaque token encoding the queue id, for embedding
// into a webhook URL template. The encoding is reversible with an integrity
// check; callers must not treat it as a signature.
func WebhookToken(id int64) string {
	raw, _ := json.Marshal(tokenPayload{QueueID: id, Nonce: uuid.NewString()})
	body := base64.RawURLEncoding.EncodeToString(raw)
	sum := crc32.ChecksumIEEE(raw)
	return fmt.Sprintf("%s.%08x", body, sum)
}

// ParseWebhookToken recovers the queue id from a token issued by
// WebhookToken. Malformed or corrupted tokens fail with ErrInvalidArgument.
func ParseWebhookToken(token string) (int64, error) {
	body, sumHex, ok := strings.Cut(token, ".")
	if !ok {
		return 0, fmt.Errorf("%w: token %q has bad form", store.ErrInvalidArgument, token)
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return 0, fmt.Errorf("%w: token %q has bad form", store.ErrInvalidArgument, token)
	}

	var want uint32
	if _, err := fmt.Sscanf(sumHex, "%08x", &want); err != nil || crc32.ChecksumIEEE(raw) != want {
		return 0, fmt.Errorf("%w: token %q failed integrity check", store.ErrInvalidArgument, token)
	}

	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.QueueID == 0 {
		return 0, fmt.Errorf("%w: token %q has bad form", store.ErrInvalidArgument, token)
	}
	return p.QueueID, nil
}
