package transfer

import (
	"encoding/hex"
	"errors"
	"net/netip"
)

var (
	// ErrMissingTransferTag is returned when a request carries no ETag option.
	ErrMissingTransferTag = errors.New("missing transfer tag")

	// ErrMissingSenderAddress is returned when the sender's address is unknown.
	ErrMissingSenderAddress = errors.New("missing sender address")
)

// Metadata is the request information the resolver needs.
type Metadata struct {
	Path   string         // Path is the request target (Uri-Path joined with '/')
	Sender netip.AddrPort // Sender is the remote network address
	ETag   []byte         // ETag is the sender-chosen per-transfer tag
}

// Identity distinguishes one block-wise transfer from all others.
// It is comparable and used directly as a map key.
type Identity struct {
	Tag    string         // Tag holds the raw ETag bytes
	Sender netip.AddrPort // Sender is the remote network address
}

// Resolve derives the transfer identity from request metadata.
func Resolve(md Metadata) (Identity, error) {
	if len(md.ETag) == 0 {
		return Identity{}, ErrMissingTransferTag
	}

	if !md.Sender.IsValid() {
		return Identity{}, ErrMissingSenderAddress
	}

	return Identity{
		Tag:    string(md.ETag),
		Sender: md.Sender,
	}, nil
}

// String renders the identity as hex(tag)@addr.
func (id Identity) String() string {
	return hex.EncodeToString([]byte(id.Tag)) + "@" + id.Sender.String()
}

// Key renders the identity for stores that need flat string keys.
// The hex tag cannot contain '/', so distinct identities never share a key.
func (id Identity) Key(prefix string) string {
	return prefix + hex.EncodeToString([]byte(id.Tag)) + "/" + id.Sender.String()
}
