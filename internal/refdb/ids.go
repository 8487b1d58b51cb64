// Package refdb defines the capability interfaces this module consumes
// for reference and object storage, plus the identifier types shared by
// every other package (PeerID, URN, Oid).
package refdb

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Oid is the hash of an object in the underlying store.
type Oid [32]byte

// ZeroOid is the all-zero Oid, never a valid content hash.
var ZeroOid Oid

// HashOid computes the Oid of a byte slice (the store's content-addressing function).
func HashOid(data []byte) Oid {
	return sha256.Sum256(data)
}

func (o Oid) String() string { return hex.EncodeToString(o[:]) }

func (o Oid) IsZero() bool { return o == ZeroOid }

// Cmp gives Oid a total order for deterministic tie-breaking.
func (o Oid) Cmp(other Oid) int {
	for i := range o {
		if o[i] != other[i] {
			if o[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ParseOid parses the hex textual form produced by Oid.String.
func ParseOid(s string) (Oid, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Oid{}, fmt.Errorf("refdb: invalid oid %q: %w", s, err)
	}
	if len(b) != len(Oid{}) {
		return Oid{}, fmt.Errorf("refdb: invalid oid length %d for %q", len(b), s)
	}
	var o Oid
	copy(o[:], b)
	return o, nil
}

// PeerID is the self-describing public-key identity of a peer.
type PeerID struct {
	key ed25519.PublicKey
}

// NewPeerID wraps a 32-byte Ed25519 public key as a PeerID.
func NewPeerID(pub ed25519.PublicKey) (PeerID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return PeerID{}, fmt.Errorf("refdb: peer id requires a %d-byte key, got %d", ed25519.PublicKeySize, len(pub))
	}
	cp := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(cp, pub)
	return PeerID{key: cp}, nil
}

// Bytes returns the raw public key bytes.
func (p PeerID) Bytes() ed25519.PublicKey { return p.key }

// IsZero reports whether p is the unset PeerID.
func (p PeerID) IsZero() bool { return len(p.key) == 0 }

const peerIDPrefix = "hyd1"

// String renders the canonical textual form: a fixed "hyd1" sigil
// followed by the lowercase hex encoding of the key. The sigil makes
// the identifier self-describing, so a peer segment in a reference
// name can never be confused with the "default" entry.
func (p PeerID) String() string {
	if p.IsZero() {
		return ""
	}
	return peerIDPrefix + hex.EncodeToString(p.key)
}

// Equal reports whether two PeerIDs refer to the same key.
func (p PeerID) Equal(other PeerID) bool {
	return string(p.key) == string(other.key)
}

// Cmp gives PeerID a total order.
func (p PeerID) Cmp(other PeerID) int {
	return strings.Compare(string(p.key), string(other.key))
}

// ParsePeerID parses the textual form produced by PeerID.String.
func ParsePeerID(s string) (PeerID, error) {
	if !strings.HasPrefix(s, peerIDPrefix) {
		return PeerID{}, fmt.Errorf("refdb: peer id %q missing %q prefix", s, peerIDPrefix)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, peerIDPrefix))
	if err != nil {
		return PeerID{}, fmt.Errorf("refdb: invalid peer id %q: %w", s, err)
	}
	return NewPeerID(ed25519.PublicKey(raw))
}

// URNKind distinguishes project ("rad:git") from person ("rad:person")
// identifiers.
type URNKind string

const (
	URNKindProject URNKind = "rad:git"
	URNKindPerson  URNKind = "rad:person"
)

// URN is a stable, content-derived project/person identifier with an
// optional intra-project path.
type URN struct {
	Kind      URNKind
	Namespace string // content-derived identifier of the root identity
	Path      string // optional intra-project path, empty for the root
}

var urnSegmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// String renders the canonical textual form: "<kind>:<namespace>[/<path>]".
func (u URN) String() string {
	if u.Path == "" {
		return fmt.Sprintf("%s:%s", u.Kind, u.Namespace)
	}
	return fmt.Sprintf("%s:%s/%s", u.Kind, u.Namespace, u.Path)
}

// ParseURN parses the canonical textual form produced by URN.String.
func ParseURN(s string) (URN, error) {
	// Kinds themselves contain ':', so match a known kind prefix rather
	// than splitting at the first separator.
	var kind URNKind
	var rest string
	for _, k := range []URNKind{URNKindProject, URNKindPerson} {
		if r, ok := strings.CutPrefix(s, string(k)+":"); ok {
			kind, rest = k, r
			break
		}
	}
	if kind == "" {
		return URN{}, fmt.Errorf("refdb: invalid urn %q: unknown kind", s)
	}
	namespace, path, _ := strings.Cut(rest, "/")
	if namespace == "" || !urnSegmentRe.MatchString(namespace) {
		return URN{}, fmt.Errorf("refdb: invalid urn %q: bad namespace segment", s)
	}
	if path != "" {
		for _, seg := range strings.Split(path, "/") {
			if !urnSegmentRe.MatchString(seg) {
				return URN{}, fmt.Errorf("refdb: invalid urn %q: bad path segment %q", s, seg)
			}
		}
	}
	return URN{Kind: kind, Namespace: namespace, Path: path}, nil
}

// PathSegment encodes the URN into a single reference-name path segment,
// used when building tracking-entry and namespace reference names.
func (u URN) PathSegment() string {
	seg := u.Namespace
	if u.Path != "" {
		seg += "." + strings.ReplaceAll(u.Path, "/", ".")
	}
	return seg
}

// ErrInvalidRefName is returned when a generated reference name fails the
// reference-name grammar check.
var ErrInvalidRefName = errors.New("refdb: invalid reference name")

var refNameSegmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateRefName checks a fully-qualified reference name against the
// grammar this module uses: slash-separated segments, each starting with
// an alphanumeric, no empty segments, no "..".
func ValidateRefName(name string) error {
	if name == "" || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRefName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if !refNameSegmentRe.MatchString(seg) {
			return fmt.Errorf("%w: %q (bad segment %q)", ErrInvalidRefName, name, seg)
		}
	}
	return nil
}
