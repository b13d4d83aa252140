// Package sqlnorm canonicalizes raw SQL text for content-identity hashing.
//
// Normalization strips literals (which may carry PII), comments and
// whitespace variance so that structurally identical queries hash to the
// same value regardless of parameter values.
package sqlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLitRe    = regexp.MustCompile(`'(?:[^'\\]|\\.|'')*'`)
	numberLitRe    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes raw SQL: comments removed, string and numeric
// literals replaced with a placeholder, whitespace collapsed, keywords
// case-folded. The output is deterministic for a given input.
//
// Literal stripping doubles as PII scrubbing: emails, names and numeric
// identifiers embedded in literals never survive normalization.
func Normalize(raw string) string {
	s := lineCommentRe.ReplaceAllString(raw, " ")
	s = blockCommentRe.ReplaceAllString(s, " ")
	s = stringLitRe.ReplaceAllString(s, "?")
	s = numberLitRe.ReplaceAllString(s, "?")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return strings.ToLower(s)
}

// RealtimeHash computes the content identity of a single realtime log row.
// The request id correlates retries of the same logical request, so two
// rows sharing (normalized SQL, tenant, datasource, request id) are the
// same entry.
func RealtimeHash(normalizedSQL string, projectID, datasourceID uuid.UUID, requestID string) string {
	return hash(normalizedSQL, projectID.String(), datasourceID.String(), requestID)
}

// BatchHash computes the content identity of a batch-imported log row.
// Batch sources carry no per-row correlation id, so the execution
// timestamp stands in for it.
func BatchHash(normalizedSQL string, projectID, datasourceID uuid.UUID, executedAt time.Time) string {
	return hash(normalizedSQL, projectID.String(), datasourceID.String(), executedAt.UTC().Format(time.RFC3339Nano))
}

func hash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckSize returns an error if raw SQL exceeds maxBytes. Oversized rows
// are skipped at ingestion (counted as deduped, never stored).
func CheckSize(raw string, maxBytes int) error {
	if len(raw) > maxBytes {
		return fmt.Errorf("raw SQL size %d exceeds limit %d", len(raw), maxBytes)
	}
	return nil
}
