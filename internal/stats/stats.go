// internal/stats/stats.go
// Package stats records anonymized usage events against query DOIs. Only a
// salted one-way hash of the acting user's email address is ever stored, so
// usage within a domain can be distinguished without the raw address being
// recoverable.
package stats

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/dataportal/query-dois-go/internal/model"
	"github.com/dataportal/query-dois-go/internal/storage"
	"github.com/oklog/ulid/v2"
)

// Action tags for recorded events.
const (
	ActionDownload = "download"
	ActionSearch   = "search"
)

// ValidAction reports whether an action tag is one the service records.
func ValidAction(action string) bool {
	switch action {
	case ActionDownload, ActionSearch:
		return true
	}
	return false
}

// saltLength is the fixed salt length the domain is coerced to before use.
const saltLength = 22

// Anonymize splits an email address into its identity and domain parts and
// returns a deterministic one-way hash of the whole lowercased address,
// salted with the domain. The same address always hashes to the same
// identifier; addresses within the same domain share a salt but still hash
// to distinct identifiers. An address with no "@" uses the whole string as
// the domain rather than failing.
func Anonymize(email string) (identifier, domain string) {
	email = strings.ToLower(email)

	domain = email
	if at := strings.LastIndex(email, "@"); at >= 0 {
		domain = email[at+1:]
	}

	mac := hmac.New(sha256.New, []byte(domainSalt(domain)))
	mac.Write([]byte(email))
	return hex.EncodeToString(mac.Sum(nil)), domain
}

// domainSalt derives the fixed-length salt from a domain: the domain is
// left-padded with zeros to 18 bytes, base64 encoded, and truncated to the
// salt length. 18 input bytes is the minimum that guarantees at least 22
// bytes of base64 output.
func domainSalt(domain string) string {
	padded := domain
	for len(padded) < 18 {
		padded = "0" + padded
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(padded))
	return encoded[:saltLength]
}

// Recorder appends usage events to storage.
type Recorder struct {
	store storage.Store
}

// NewRecorder creates a stats recorder backed by the given store.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends a usage event for a DOI. Callers on the primary mint or
// lookup path must treat a returned error as non-fatal: log it and continue.
func (r *Recorder) Record(ctx context.Context, doi, action, email string) (*model.QueryDOIStat, error) {
	identifier, domain := Anonymize(email)

	stat := model.QueryDOIStat{
		ID:         ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		DOI:        doi,
		Action:     action,
		Domain:     domain,
		Identifier: identifier,
		CreatedAt:  time.Now().UTC(),
	}

	if err := r.store.CreateStat(ctx, stat); err != nil {
		return nil, err
	}
	return &stat, nil
}
