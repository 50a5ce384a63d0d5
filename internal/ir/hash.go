package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for derived identifiers.
// Version suffix enables future algorithm migration.
const (
	DomainGroup = "convsync/group/v1"
)

// GroupIDPrefix marks conversation IDs derived from a member set.
const GroupIDPrefix = "g_"

// MinGroupSize is the smallest member count that forms a group.
// Two members always form a direct conversation.
const MinGroupSize = 3

var (
	// ErrEmptyParticipant is returned when a participant ID is blank.
	ErrEmptyParticipant = errors.New("participant id is empty")
	// ErrSelfConversation is returned for a direct conversation with oneself.
	ErrSelfConversation = errors.New("direct conversation requires two distinct participants")
	// ErrGroupTooSmall is returned when a group has fewer than MinGroupSize members.
	ErrGroupTooSmall = errors.New("group requires at least three distinct participants")
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeParticipant returns the NFC form of a participant ID with
// surrounding whitespace removed.
func NormalizeParticipant(id string) (string, error) {
	id = strings.TrimSpace(norm.NFC.String(id))
	if id == "" {
		return "", ErrEmptyParticipant
	}
	return id, nil
}

// DirectConversationID derives the ID shared by two participants.
// The two IDs are sorted before joining, so argument order never matters.
func DirectConversationID(a, b string) (string, error) {
	members, err := NormalizeMembers([]string{a, b})
	if err != nil {
		return "", err
	}
	if len(members) != 2 {
		return "", ErrSelfConversation
	}
	return members[0] + "_" + members[1], nil
}

// GroupConversationID derives a stable ID from a member set.
// Duplicates are removed and order is irrelevant.
func GroupConversationID(members []string) (string, error) {
	sorted, err := NormalizeMembers(members)
	if err != nil {
		return "", err
	}
	if len(sorted) < MinGroupSize {
		return "", ErrGroupTooSmall
	}

	list := make([]any, len(sorted))
	for i, m := range sorted {
		list[i] = m
	}
	canonical, err := MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("group id: marshal members: %w", err)
	}

	return GroupIDPrefix + hashWithDomain(DomainGroup, canonical)[:32], nil
}

// NormalizeMembers normalizes, deduplicates, and sorts participant IDs.
func NormalizeMembers(members []string) ([]string, error) {
	seen := make(map[string]bool, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		id, err := NormalizeParticipant(m)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// MustDirectConversationID is like DirectConversationID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDirectConversationID(a, b string) string {
	id, err := DirectConversationID(a, b)
	if err != nil {
		panic(err)
	}
	return id
}
