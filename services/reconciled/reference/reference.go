package reference

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Kind selects the business entity a payment reference points at.
type Kind string

// Reference kinds.
const (
	KindInvoice     Kind = "invoice"
	KindProposal    Kind = "proposal"
	KindPaymentLink Kind = "payment_link"
)

// Kinds lists every known kind, longest prefix first so that payment_link_ is
// never mistaken for a shorter kind.
var Kinds = []Kind{KindPaymentLink, KindProposal, KindInvoice}

// Table returns the storage table holding entities of the kind.
func (k Kind) Table() string {
	switch k {
	case KindInvoice:
		return "invoices"
	case KindProposal:
		return "proposals"
	case KindPaymentLink:
		return "payment_links"
	default:
		return ""
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k.Table() != ""
}

// Reference is the typed decoding of an event's opaque reference string.
type Reference struct {
	Kind Kind
	ID   uuid.UUID
}

// String renders the canonical <kind>_<uuid> form.
func (r Reference) String() string {
	return string(r.Kind) + "_" + r.ID.String()
}

// Reason explains why a reference could not be resolved.
type Reason string

// Unresolvable reason codes.
const (
	ReasonBadFormat      Reason = "bad_format"
	ReasonUnknownKind    Reason = "unknown_kind"
	ReasonEntityNotFound Reason = "entity_not_found"
)

// Unresolvable is a terminal, reportable decoding result. Events carrying an
// unresolvable reference are orphaned, never dropped.
type Unresolvable struct {
	Reference string
	Reason    Reason
}

func (u *Unresolvable) Error() string {
	return fmt.Sprintf("reference: %q unresolvable: %s", u.Reference, u.Reason)
}

// uuidShaped matches <word>_<uuid> for an arbitrary lowercase word so unknown
// kinds can be told apart from garbage.
var uuidShaped = regexp.MustCompile(`^([a-z][a-z0-9]*(?:_[a-z0-9]+)*)_([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// Parse decodes a reference string without touching storage. It returns
// *Unresolvable for any string that is not exactly <known kind>_<uuid>;
// surrounding whitespace is bad_format.
func Parse(raw string) (Reference, error) {
	for _, kind := range Kinds {
		prefix := string(kind) + "_"
		if !strings.HasPrefix(raw, prefix) {
			continue
		}
		rest := raw[len(prefix):]
		id, err := uuid.Parse(rest)
		if err != nil || len(rest) != 36 || id == uuid.Nil {
			return Reference{}, &Unresolvable{Reference: raw, Reason: ReasonBadFormat}
		}
		return Reference{Kind: kind, ID: id}, nil
	}
	if uuidShaped.MatchString(raw) {
		return Reference{}, &Unresolvable{Reference: raw, Reason: ReasonUnknownKind}
	}
	return Reference{}, &Unresolvable{Reference: raw, Reason: ReasonBadFormat}
}

// Lookup checks whether an entity exists in its owning store.
type Lookup interface {
	Exists(ctx context.Context, kind Kind, id uuid.UUID) (bool, error)
}

// Resolver decodes references and confirms the target entity exists.
type Resolver struct {
	lookup Lookup
}

// NewResolver constructs a resolver over the supplied entity lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the typed reference, an *Unresolvable, or an infrastructure
// error from the lookup. Only the latter is retryable.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Reference, error) {
	ref, err := Parse(raw)
	if err != nil {
		return Reference{}, err
	}
	if r == nil || r.lookup == nil {
		return ref, nil
	}
	exists, err := r.lookup.Exists(ctx, ref.Kind, ref.ID)
	if err != nil {
		return Reference{}, fmt.Errorf("reference: lookup %s: %w", ref, err)
	}
	if !exists {
		return Reference{}, &Unresolvable{Reference: raw, Reason: ReasonEntityNotFound}
	}
	return ref, nil
}
