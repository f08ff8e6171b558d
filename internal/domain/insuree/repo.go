package insuree

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RenewalCutoffs are the instants separating current from outdated photos.
type RenewalCutoffs struct {
	// AdultPhoto: photos taken at or before it are outdated for everyone.
	AdultPhoto time.Time
	// ChildPhoto: photos taken at or before it are outdated for minors.
	ChildPhoto time.Time
	// MinorBornAfter: insurees born after it are minors.
	MinorBornAfter time.Time
}

type InsureeRepository interface {
	Create(ctx context.Context, ins *Insuree) error
	GetByID(ctx context.Context, id int) (*Insuree, error)
	GetByUUID(ctx context.Context, id uuid.UUID) (*Insuree, error)
	GetByIDs(ctx context.Context, ids []int) ([]*Insuree, error)
	// Update rewrites every mutable column of the live row.
	Update(ctx context.Context, ins *Insuree) error
	// SaveHistory copies the stored state of ins into a closed history row.
	SaveHistory(ctx context.Context, ins *Insuree) error
	SoftDelete(ctx context.Context, ids []int, at time.Time, auditUserID int) error
	Search(ctx context.Context, f InsureeFilter, limit, offset int) ([]*Insuree, int, error)
	FamilyMembers(ctx context.Context, familyID int) ([]*Insuree, error)
	CountMembers(ctx context.Context, familyID int) (int, error)
	NumberTaken(ctx context.Context, chfID string) (bool, error)
	PhotosDueForRenewal(ctx context.Context, familyID int, c RenewalCutoffs) ([]*Insuree, error)
}

type FamilyRepository interface {
	Create(ctx context.Context, f *Family) error
	GetByIDs(ctx context.Context, ids []int) ([]*Family, error)
	Update(ctx context.Context, f *Family) error
	SaveHistory(ctx context.Context, f *Family) error
	SoftDelete(ctx context.Context, ids []int, at time.Time, auditUserID int) error
	Search(ctx context.Context, f FamilyFilter, limit, offset int) ([]*Family, int, error)
}

type PhotoRepository interface {
	Create(ctx context.Context, p *Photo) error
	GetByID(ctx context.Context, id int) (*Photo, error)
	GetByIDs(ctx context.Context, ids []int) ([]*Photo, error)
	Update(ctx context.Context, p *Photo) error
	SaveHistory(ctx context.Context, p *Photo) error
}

type PolicyRepository interface {
	// ActivePolicies returns live policies of the family that are neither
	// expired nor suspended.
	ActivePolicies(ctx context.Context, familyID int) ([]*Policy, error)
	InsureePolicies(ctx context.Context, f InsureePolicyFilter, limit, offset int) ([]*InsureePolicy, int, error)
	// EndInsureePolicies closes the live policy links of the insurees.
	EndInsureePolicies(ctx context.Context, insureeIDs []int, at time.Time, auditUserID int) error
	// CreateRenewalDetail inserts the detail unless the renewal already has
	// one for the insuree. It reports whether a row was created.
	CreateRenewalDetail(ctx context.Context, d *PolicyRenewalDetail) (bool, error)
	// RenewalFamily returns the family of the policy a live renewal renews.
	RenewalFamily(ctx context.Context, renewalID int) (int, error)
}

type LocationRepository interface {
	GetByUUID(ctx context.Context, id uuid.UUID) (*Location, error)
}

type LookupRepository interface {
	List(ctx context.Context, kind LookupKind) ([]Lookup, error)
}

type MutationRepository interface {
	Create(ctx context.Context, m *MutationLog) error
	Finish(ctx context.Context, id uuid.UUID, status int, errMsg *string) error
	LinkInsurees(ctx context.Context, mutationID uuid.UUID, insureeIDs []int) error
	LinkFamilies(ctx context.Context, mutationID uuid.UUID, familyIDs []int) error
}

// Transactor runs fn in one transaction; repositories pick it up from ctx.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
