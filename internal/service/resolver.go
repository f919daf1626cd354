package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/talentmesh/mailsync-worker/internal/models"
	"github.com/talentmesh/mailsync-worker/internal/repository"
)

// EntityResolver maps counterparty email addresses onto tenant contacts.
// A miss is not an error: items from unknown senders are expected and are
// simply not correlated.
type EntityResolver struct {
	contacts ContactStore
}

func NewEntityResolver(contacts ContactStore) *EntityResolver {
	return &EntityResolver{contacts: contacts}
}

// Resolve looks up the contact owning address within the tenant. It returns
// (nil, nil) when no contact matches.
func (r *EntityResolver) Resolve(ctx context.Context, tenantID, address string) (*models.Contact, error) {
	normalized := NormalizeAddress(address)
	if normalized == "" {
		return nil, nil
	}

	contact, err := r.contacts.FindByEmail(ctx, tenantID, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrContactNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve %s: %w", normalized, err)
	}
	return contact, nil
}

// Candidate is one counterparty address pulled from an item's headers,
// paired with the item's direction relative to the mailbox owner.
type Candidate struct {
	Address   string
	Direction string
}

// Candidates lists an item's counterparty addresses in resolution order.
// When the mailbox owner is the sender the item is outbound and the
// recipients are the counterparties; otherwise it is inbound and the sender
// comes first, followed by any co-recipients. The owner's own address is
// never a candidate.
func Candidates(item *Item, ownerEmail string) []Candidate {
	owner := NormalizeAddress(ownerEmail)
	from := parseAddressList(item.From)

	direction := models.DirectionInbound
	if len(from) > 0 && from[0] == owner {
		direction = models.DirectionOutbound
	}

	var ordered []string
	if direction == models.DirectionInbound {
		ordered = append(ordered, from...)
	}
	ordered = append(ordered, parseAddressList(item.To)...)
	ordered = append(ordered, parseAddressList(item.CC)...)

	seen := make(map[string]struct{}, len(ordered))
	candidates := make([]Candidate, 0, len(ordered))
	for _, addr := range ordered {
		if addr == "" || addr == owner {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		candidates = append(candidates, Candidate{Address: addr, Direction: direction})
	}
	return candidates
}

// NormalizeAddress lowercases and trims an email address so lookups and
// comparisons are case insensitive.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// parseAddressList extracts normalized addresses from a raw header value.
// Headers that do not parse as address lists are skipped rather than
// failing the item.
func parseAddressList(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(header)
	if err != nil {
		return nil
	}
	addrs := make([]string, 0, len(parsed))
	for _, a := range parsed {
		addrs = append(addrs, NormalizeAddress(a.Address))
	}
	return addrs
}
