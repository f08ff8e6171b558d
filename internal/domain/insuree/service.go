package insuree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/imis/insuree/internal/insureenumber"
	"github.com/imis/insuree/internal/platform/auth"
	"github.com/imis/insuree/internal/platform/blobstore"
	"github.com/imis/insuree/internal/platform/cache"
	"github.com/imis/insuree/internal/platform/db"
	"github.com/imis/insuree/internal/platform/events"
	"github.com/imis/insuree/internal/platform/telemetry"
)

// Options are the deployment settings the service depends on.
type Options struct {
	// RowSecurity limits non-admin users to the districts in their token.
	RowSecurity    bool
	LocationLevels int
	// Photo renewal ages in months, age of majority in years.
	PhotoAgeAdult int
	PhotoAgeChild int
	AgeOfMajority int
	LookupTTL     time.Duration
}

func DefaultOptions() Options {
	return Options{
		RowSecurity:    true,
		LocationLevels: 4,
		PhotoAgeAdult:  60,
		PhotoAgeChild:  12,
		AgeOfMajority:  18,
		LookupTTL:      10 * time.Minute,
	}
}

// Repositories groups the stores used by the service.
type Repositories struct {
	Insurees  InsureeRepository
	Families  FamilyRepository
	Photos    PhotoRepository
	Policies  PolicyRepository
	Locations LocationRepository
	Lookups   LookupRepository
	Mutations MutationRepository
}

type ServiceOption func(*Service)

// WithBlobStore stores photo files in bs instead of inline in the database.
func WithBlobStore(bs blobstore.BlobStore) ServiceOption {
	return func(s *Service) { s.blobs = bs }
}

func WithCache(c cache.Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *telemetry.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

type Service struct {
	insurees  InsureeRepository
	families  FamilyRepository
	photos    PhotoRepository
	policies  PolicyRepository
	locations LocationRepository
	lookups   LookupRepository
	mutations MutationRepository
	tx        Transactor
	numbers   *insureenumber.Validator

	blobs     blobstore.BlobStore
	cache     cache.Cache
	publisher events.Publisher
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	opts      Options
}

func NewService(repos Repositories, tx Transactor, numbers *insureenumber.Validator, opts Options, extra ...ServiceOption) *Service {
	s := &Service{
		insurees:  repos.Insurees,
		families:  repos.Families,
		photos:    repos.Photos,
		policies:  repos.Policies,
		locations: repos.Locations,
		lookups:   repos.Lookups,
		mutations: repos.Mutations,
		tx:        tx,
		numbers:   numbers,
		cache:     cache.NewMemoryCache(),
		tracer:    telemetry.Tracer("insuree"),
		now:       func() time.Time { return time.Now().UTC() },
		opts:      opts,
	}
	for _, o := range extra {
		o(s)
	}
	return s
}

// -- Mutations --

// mutationResult collects what a mutation touched, for the mutation log
// links and the published event.
type mutationResult struct {
	insurees []int
	families []int
	uuids    []string
}

func (r *mutationResult) insuree(ins *Insuree) {
	r.insurees = append(r.insurees, ins.ID)
	r.uuids = append(r.uuids, ins.UUID.String())
}

func (r *mutationResult) family(f *Family) {
	r.families = append(r.families, f.ID)
	r.uuids = append(r.uuids, f.UUID.String())
}

// mutate logs the request, runs fn in a transaction, records the outcome
// and publishes it. The mutation log survives a failed transaction.
func (s *Service) mutate(ctx context.Context, m Mutation, entity, action string, fn func(ctx context.Context, res *mutationResult) error) error {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, entity+"."+action,
		attribute.String("client_mutation_id", m.ClientMutationID))

	label := m.Label
	if label == "" {
		label = action + " " + entity
	}
	entry := &MutationLog{
		ClientMutationID: m.ClientMutationID,
		Label:            label,
		Status:           MutationReceived,
		UserID:           auth.UserIDFromContext(ctx),
		RequestedAt:      s.now(),
	}
	if err := s.mutations.Create(ctx, entry); err != nil {
		telemetry.EndSpan(span, err)
		return fmt.Errorf("log mutation: %w", err)
	}

	var res mutationResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx, &res); err != nil {
			return err
		}
		if err := s.mutations.LinkInsurees(ctx, entry.ID, res.insurees); err != nil {
			return fmt.Errorf("link mutation insurees: %w", err)
		}
		if err := s.mutations.LinkFamilies(ctx, entry.ID, res.families); err != nil {
			return fmt.Errorf("link mutation families: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrNumberTaken) {
		err = &ValidationError{Message: "invalid insuree number", NumberErrors: []insureenumber.Error{s.numbers.TakenError()}}
	}

	status := MutationSuccess
	var errMsg *string
	if err != nil {
		status = MutationError
		msg := err.Error()
		errMsg = &msg
	}
	if ferr := s.mutations.Finish(ctx, entry.ID, status, errMsg); ferr != nil {
		zerolog.Ctx(ctx).Error().Err(ferr).Str("mutation_id", entry.ID.String()).Msg("failed to finish mutation log")
	}
	s.publish(ctx, entry, entity, action, res.uuids, err)
	if s.metrics != nil {
		s.metrics.ObserveMutation(entity, action, err)
	}
	telemetry.EndSpan(span, err)
	return err
}

func (s *Service) publish(ctx context.Context, entry *MutationLog, entity, action string, uuids []string, err error) {
	if s.publisher == nil {
		return
	}
	ev := events.MutationEvent{
		ID:               entry.ID.String(),
		ClientMutationID: entry.ClientMutationID,
		Label:            entry.Label,
		Entity:           entity,
		Action:           action,
		UUIDs:            uuids,
		Tenant:           db.TenantFromContext(ctx),
		AuditUserID:      auth.AuditUserIDFromContext(ctx),
		Status:           events.StatusSuccess,
		OccurredAt:       s.now(),
	}
	if err != nil {
		ev.Status = events.StatusError
		ev.Error = err.Error()
	}
	if perr := s.publisher.Publish(ctx, ev); perr != nil {
		zerolog.Ctx(ctx).Warn().Err(perr).Str("event_id", ev.ID).Msg("failed to publish mutation event")
	}
}

// CreateFamily creates the head insuree, then the family, then links the
// head into it.
func (s *Service) CreateFamily(ctx context.Context, in *FamilyInput, m Mutation) (*Family, error) {
	if in.HeadInsuree == nil {
		return nil, invalid("head_insuree is required")
	}
	if err := validateFamily(in); err != nil {
		return nil, err
	}
	if err := validateInsuree(in.HeadInsuree); err != nil {
		return nil, err
	}

	var f *Family
	err := s.mutate(ctx, m, "family", "create", func(ctx context.Context, res *mutationResult) error {
		if err := s.checkNumber(ctx, in.HeadInsuree.CHFID, true); err != nil {
			return err
		}
		now := s.now()
		audit := auth.AuditUserIDFromContext(ctx)

		head := &Insuree{ValidityFrom: now, AuditUserID: audit}
		in.HeadInsuree.apply(head)
		head.FamilyID = nil
		head.Head = true
		if err := s.insurees.Create(ctx, head); err != nil {
			return fmt.Errorf("create head insuree: %w", err)
		}

		f = &Family{HeadInsureeID: head.ID, ValidityFrom: now, AuditUserID: audit}
		in.apply(f)
		if err := s.families.Create(ctx, f); err != nil {
			return fmt.Errorf("create family: %w", err)
		}

		head.FamilyID = &f.ID
		if err := s.storePhoto(ctx, head, in.HeadInsuree.Photo); err != nil {
			return err
		}
		if err := s.insurees.Update(ctx, head); err != nil {
			return fmt.Errorf("link head insuree: %w", err)
		}
		f.HeadInsuree = head
		res.family(f)
		res.insuree(head)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// UpdateFamily rewrites the family in full. The head insuree is rewritten
// too when the input carries it.
func (s *Service) UpdateFamily(ctx context.Context, id uuid.UUID, in *FamilyInput, m Mutation) (*Family, error) {
	if err := validateFamily(in); err != nil {
		return nil, err
	}
	if in.HeadInsuree != nil {
		if err := validateInsuree(in.HeadInsuree); err != nil {
			return nil, err
		}
	}

	var f *Family
	err := s.mutate(ctx, m, "family", "update", func(ctx context.Context, res *mutationResult) error {
		var err error
		if f, err = s.liveFamily(ctx, id); err != nil {
			return err
		}
		if err := s.families.SaveHistory(ctx, f); err != nil {
			return fmt.Errorf("save family history: %w", err)
		}
		in.apply(f)
		f.ValidityFrom = s.now()
		f.AuditUserID = auth.AuditUserIDFromContext(ctx)
		if err := s.families.Update(ctx, f); err != nil {
			return fmt.Errorf("update family: %w", err)
		}
		res.family(f)

		if in.HeadInsuree == nil {
			return nil
		}
		head, err := s.insurees.GetByID(ctx, f.HeadInsureeID)
		if err != nil {
			return fmt.Errorf("load head insuree: %w", err)
		}
		if err := s.rewriteInsuree(ctx, head, in.HeadInsuree); err != nil {
			return err
		}
		f.HeadInsuree = head
		res.insuree(head)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFamilies soft-deletes the families. Their members are deleted with
// them when deleteMembers is set, otherwise they are detached.
func (s *Service) DeleteFamilies(ctx context.Context, ids []uuid.UUID, deleteMembers bool, m Mutation) error {
	if len(ids) == 0 {
		return invalid("at least one family uuid is required")
	}
	return s.mutate(ctx, m, "family", "delete", func(ctx context.Context, res *mutationResult) error {
		now := s.now()
		audit := auth.AuditUserIDFromContext(ctx)
		for _, id := range ids {
			f, err := s.liveFamily(ctx, id)
			if err != nil {
				return fmt.Errorf("family %s: %w", id, err)
			}
			members, err := s.insurees.FamilyMembers(ctx, f.ID)
			if err != nil {
				return fmt.Errorf("load members of family %s: %w", id, err)
			}
			if deleteMembers {
				memberIDs := make([]int, len(members))
				for i, ins := range members {
					memberIDs[i] = ins.ID
					res.insuree(ins)
				}
				if len(memberIDs) > 0 {
					if err := s.insurees.SoftDelete(ctx, memberIDs, now, audit); err != nil {
						return fmt.Errorf("delete members of family %s: %w", id, err)
					}
				}
			} else {
				for _, ins := range members {
					if err := s.detach(ctx, ins); err != nil {
						return err
					}
					res.insuree(ins)
				}
			}
			if err := s.families.SoftDelete(ctx, []int{f.ID}, now, audit); err != nil {
				return fmt.Errorf("delete family %s: %w", id, err)
			}
			res.family(f)
		}
		return nil
	})
}

// CreateInsuree creates an insuree, optionally inside an existing family.
// Heads are only created with their family.
func (s *Service) CreateInsuree(ctx context.Context, in *InsureeInput, m Mutation) (*Insuree, error) {
	if err := validateInsuree(in); err != nil {
		return nil, err
	}

	var ins *Insuree
	err := s.mutate(ctx, m, "insuree", "create", func(ctx context.Context, res *mutationResult) error {
		if err := s.checkNumber(ctx, in.CHFID, true); err != nil {
			return err
		}
		if in.FamilyID != nil {
			if _, err := s.familyByID(ctx, *in.FamilyID); err != nil {
				return fmt.Errorf("family %d: %w", *in.FamilyID, err)
			}
		}

		ins = &Insuree{ValidityFrom: s.now(), AuditUserID: auth.AuditUserIDFromContext(ctx)}
		in.apply(ins)
		ins.Head = false
		if err := s.insurees.Create(ctx, ins); err != nil {
			return fmt.Errorf("create insuree: %w", err)
		}
		if in.Photo != nil {
			if err := s.storePhoto(ctx, ins, in.Photo); err != nil {
				return err
			}
			if err := s.insurees.Update(ctx, ins); err != nil {
				return fmt.Errorf("link insuree photo: %w", err)
			}
		}
		res.insuree(ins)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ins, nil
}

// UpdateInsuree rewrites the insuree in full. Family membership and the
// head flag are managed by the family operations and are kept.
func (s *Service) UpdateInsuree(ctx context.Context, id uuid.UUID, in *InsureeInput, m Mutation) (*Insuree, error) {
	if err := validateInsuree(in); err != nil {
		return nil, err
	}

	var ins *Insuree
	err := s.mutate(ctx, m, "insuree", "update", func(ctx context.Context, res *mutationResult) error {
		var err error
		if ins, err = s.liveInsuree(ctx, id); err != nil {
			return err
		}
		if err := s.rewriteInsuree(ctx, ins, in); err != nil {
			return err
		}
		res.insuree(ins)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ins, nil
}

// rewriteInsuree saves the stored state as history and rewrites ins from in.
// Uniqueness is only checked when the number changes.
func (s *Service) rewriteInsuree(ctx context.Context, ins *Insuree, in *InsureeInput) error {
	if err := s.checkNumber(ctx, in.CHFID, in.CHFID != ins.CHFID); err != nil {
		return err
	}
	if err := s.insurees.SaveHistory(ctx, ins); err != nil {
		return fmt.Errorf("save insuree history: %w", err)
	}
	familyID, head := ins.FamilyID, ins.Head
	in.apply(ins)
	ins.FamilyID, ins.Head = familyID, head
	ins.ValidityFrom = s.now()
	ins.AuditUserID = auth.AuditUserIDFromContext(ctx)
	if err := s.storePhoto(ctx, ins, in.Photo); err != nil {
		return err
	}
	if err := s.insurees.Update(ctx, ins); err != nil {
		return fmt.Errorf("update insuree: %w", err)
	}
	return nil
}

// DeleteInsurees soft-deletes members of a family. The head can only go
// with the whole family.
func (s *Service) DeleteInsurees(ctx context.Context, familyID uuid.UUID, ids []uuid.UUID, m Mutation) error {
	if len(ids) == 0 {
		return invalid("at least one insuree uuid is required")
	}
	return s.mutate(ctx, m, "insuree", "delete", func(ctx context.Context, res *mutationResult) error {
		f, members, err := s.familyMembersOf(ctx, familyID, ids)
		if err != nil {
			return err
		}
		memberIDs := make([]int, len(members))
		for i, ins := range members {
			memberIDs[i] = ins.ID
			res.insuree(ins)
		}
		if err := s.insurees.SoftDelete(ctx, memberIDs, s.now(), auth.AuditUserIDFromContext(ctx)); err != nil {
			return fmt.Errorf("delete insurees: %w", err)
		}
		res.family(f)
		return nil
	})
}

// RemoveInsurees detaches members from a family, ending their policy
// coverage when cancelPolicies is set.
func (s *Service) RemoveInsurees(ctx context.Context, familyID uuid.UUID, ids []uuid.UUID, cancelPolicies bool, m Mutation) error {
	if len(ids) == 0 {
		return invalid("at least one insuree uuid is required")
	}
	return s.mutate(ctx, m, "insuree", "remove", func(ctx context.Context, res *mutationResult) error {
		f, members, err := s.familyMembersOf(ctx, familyID, ids)
		if err != nil {
			return err
		}
		memberIDs := make([]int, len(members))
		for i, ins := range members {
			if err := s.detach(ctx, ins); err != nil {
				return err
			}
			memberIDs[i] = ins.ID
			res.insuree(ins)
		}
		if cancelPolicies {
			if err := s.policies.EndInsureePolicies(ctx, memberIDs, s.now(), auth.AuditUserIDFromContext(ctx)); err != nil {
				return fmt.Errorf("cancel insuree policies: %w", err)
			}
		}
		res.family(f)
		return nil
	})
}

// SetFamilyHead makes a member the head of its family.
func (s *Service) SetFamilyHead(ctx context.Context, familyID, insureeID uuid.UUID, m Mutation) (*Family, error) {
	var f *Family
	err := s.mutate(ctx, m, "family", "set_head", func(ctx context.Context, res *mutationResult) error {
		var err error
		if f, err = s.liveFamily(ctx, familyID); err != nil {
			return err
		}
		head, err := s.insurees.GetByUUID(ctx, insureeID)
		if err != nil {
			return fmt.Errorf("insuree %s: %w", insureeID, err)
		}
		if head.FamilyID == nil || *head.FamilyID != f.ID {
			return ErrNotFamilyMember
		}
		f.HeadInsuree = head
		if f.HeadInsureeID == head.ID && head.Head {
			return nil
		}

		now := s.now()
		audit := auth.AuditUserIDFromContext(ctx)
		old, err := s.insurees.GetByID(ctx, f.HeadInsureeID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return fmt.Errorf("load current head: %w", err)
		case old.IsLive() && old.ID != head.ID:
			if err := s.setHeadFlag(ctx, old, false, now, audit); err != nil {
				return err
			}
			res.insuree(old)
		}
		if err := s.setHeadFlag(ctx, head, true, now, audit); err != nil {
			return err
		}
		res.insuree(head)

		if err := s.families.SaveHistory(ctx, f); err != nil {
			return fmt.Errorf("save family history: %w", err)
		}
		f.HeadInsureeID = head.ID
		f.ValidityFrom = now
		f.AuditUserID = audit
		if err := s.families.Update(ctx, f); err != nil {
			return fmt.Errorf("update family head: %w", err)
		}
		res.family(f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ChangeInsureeFamily moves an insuree into another family. Heads cannot
// be moved.
func (s *Service) ChangeInsureeFamily(ctx context.Context, familyID, insureeID uuid.UUID, cancelPolicies bool, m Mutation) (*Insuree, error) {
	var ins *Insuree
	err := s.mutate(ctx, m, "insuree", "change_family", func(ctx context.Context, res *mutationResult) error {
		target, err := s.liveFamily(ctx, familyID)
		if err != nil {
			return err
		}
		if ins, err = s.liveInsuree(ctx, insureeID); err != nil {
			return err
		}
		if ins.Head {
			return ErrFamilyHead
		}
		if ins.FamilyID != nil && *ins.FamilyID == target.ID {
			return nil
		}

		if err := s.insurees.SaveHistory(ctx, ins); err != nil {
			return fmt.Errorf("save insuree history: %w", err)
		}
		ins.FamilyID = &target.ID
		ins.ValidityFrom = s.now()
		ins.AuditUserID = auth.AuditUserIDFromContext(ctx)
		if err := s.insurees.Update(ctx, ins); err != nil {
			return fmt.Errorf("move insuree: %w", err)
		}
		if cancelPolicies {
			if err := s.policies.EndInsureePolicies(ctx, []int{ins.ID}, s.now(), ins.AuditUserID); err != nil {
				return fmt.Errorf("cancel insuree policies: %w", err)
			}
		}
		res.insuree(ins)
		res.family(target)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ins, nil
}

// familyMembersOf loads the live family and the listed insurees, checking
// each is a member and none is the head.
func (s *Service) familyMembersOf(ctx context.Context, familyID uuid.UUID, ids []uuid.UUID) (*Family, []*Insuree, error) {
	f, err := s.liveFamily(ctx, familyID)
	if err != nil {
		return nil, nil, err
	}
	members := make([]*Insuree, 0, len(ids))
	for _, id := range ids {
		ins, err := s.insurees.GetByUUID(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("insuree %s: %w", id, err)
		}
		if ins.FamilyID == nil || *ins.FamilyID != f.ID {
			return nil, nil, fmt.Errorf("insuree %s: %w", id, ErrNotFamilyMember)
		}
		if ins.Head || ins.ID == f.HeadInsureeID {
			return nil, nil, fmt.Errorf("insuree %s: %w", id, ErrFamilyHead)
		}
		members = append(members, ins)
	}
	return f, members, nil
}

func (s *Service) detach(ctx context.Context, ins *Insuree) error {
	if err := s.insurees.SaveHistory(ctx, ins); err != nil {
		return fmt.Errorf("save insuree history: %w", err)
	}
	ins.FamilyID = nil
	ins.Head = false
	ins.ValidityFrom = s.now()
	ins.AuditUserID = auth.AuditUserIDFromContext(ctx)
	if err := s.insurees.Update(ctx, ins); err != nil {
		return fmt.Errorf("detach insuree %s: %w", ins.UUID, err)
	}
	return nil
}

func (s *Service) setHeadFlag(ctx context.Context, ins *Insuree, head bool, now time.Time, audit int) error {
	if err := s.insurees.SaveHistory(ctx, ins); err != nil {
		return fmt.Errorf("save insuree history: %w", err)
	}
	ins.Head = head
	ins.ValidityFrom = now
	ins.AuditUserID = audit
	if err := s.insurees.Update(ctx, ins); err != nil {
		return fmt.Errorf("update insuree %s: %w", ins.UUID, err)
	}
	return nil
}

// -- Policies and renewals --

// CanAddInsuree returns one warning per live, non-expired, non-suspended
// policy of the family whose product already has its maximum members.
func (s *Service) CanAddInsuree(ctx context.Context, familyID int) ([]string, error) {
	f, err := s.familyByID(ctx, familyID)
	if err != nil {
		return nil, err
	}
	policies, err := s.policies.ActivePolicies(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("load family policies: %w", err)
	}
	count, err := s.insurees.CountMembers(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("count family members: %w", err)
	}

	warnings := []string{}
	for _, p := range policies {
		if count < p.ProductMaxMembers {
			continue
		}
		start := "-"
		if p.StartDate != nil {
			start = p.StartDate.Format(dateLayout)
		}
		warnings = append(warnings, fmt.Sprintf(
			"policy of product %s starting %s already covers the maximum of %d members (family has %d)",
			p.ProductCode, start, p.ProductMaxMembers, count))
	}
	return warnings, nil
}

func (s *Service) renewalCutoffs(now time.Time) RenewalCutoffs {
	return RenewalCutoffs{
		AdultPhoto:     now.AddDate(0, -s.opts.PhotoAgeAdult, 0),
		ChildPhoto:     now.AddDate(0, -s.opts.PhotoAgeChild, 0),
		MinorBornAfter: now.AddDate(-s.opts.AgeOfMajority, 0, 0),
	}
}

// PhotosDueForRenewal lists the live members of the family with a photo
// that is missing a date, older than the adult renewal age, or older than
// the child renewal age for minors.
func (s *Service) PhotosDueForRenewal(ctx context.Context, familyID int, now time.Time) ([]*Insuree, error) {
	f, err := s.familyByID(ctx, familyID)
	if err != nil {
		return nil, err
	}
	return s.insurees.PhotosDueForRenewal(ctx, f.ID, s.renewalCutoffs(now))
}

// CreateRenewalDetails records a photo renewal detail on the policy renewal
// for every member whose photo is due. Existing details are kept. It
// returns the number of details created.
func (s *Service) CreateRenewalDetails(ctx context.Context, renewalID, familyID int, m Mutation) (int, error) {
	created := 0
	err := s.mutate(ctx, m, "renewal", "create_details", func(ctx context.Context, res *mutationResult) error {
		f, err := s.familyByID(ctx, familyID)
		if err != nil {
			return fmt.Errorf("family %d: %w", familyID, err)
		}
		owner, err := s.policies.RenewalFamily(ctx, renewalID)
		if err != nil {
			return fmt.Errorf("policy renewal %d: %w", renewalID, err)
		}
		if owner != f.ID {
			return invalid(fmt.Sprintf("policy renewal %d does not belong to family %d", renewalID, f.ID))
		}
		now := s.now()
		due, err := s.insurees.PhotosDueForRenewal(ctx, f.ID, s.renewalCutoffs(now))
		if err != nil {
			return fmt.Errorf("find photos due for renewal: %w", err)
		}
		logger := zerolog.Ctx(ctx)
		for _, ins := range due {
			d := &PolicyRenewalDetail{
				PolicyRenewalID: renewalID,
				InsureeID:       ins.ID,
				ValidityFrom:    now,
				AuditUserID:     auth.AuditUserIDFromContext(ctx),
			}
			ok, err := s.policies.CreateRenewalDetail(ctx, d)
			if err != nil {
				return fmt.Errorf("create renewal detail for insuree %d: %w", ins.ID, err)
			}
			logger.Debug().
				Int("insuree_id", ins.ID).
				Int("policy_renewal_id", renewalID).
				Bool("created", ok).
				Msg("photo due for renewal")
			if ok {
				created++
				if s.metrics != nil {
					s.metrics.PhotoRenewals.Inc()
				}
			}
			res.insuree(ins)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// -- Queries --

// districts returns the row-security restriction for the caller: nil when
// none applies, an empty slice when the caller may see no district.
func (s *Service) districts(ctx context.Context) []int {
	if !s.opts.RowSecurity || auth.IsAdmin(ctx) {
		return nil
	}
	d := auth.DistrictsFromContext(ctx)
	if d == nil {
		return []int{}
	}
	return d
}

func (s *Service) checkParentLocation(ctx context.Context, parent *uuid.UUID, level *int) error {
	if parent == nil {
		return nil
	}
	if level == nil {
		return ErrMissingLevel
	}
	if *level < 0 || *level >= s.opts.LocationLevels {
		return invalid(fmt.Sprintf("parent_location_level must be between 0 and %d", s.opts.LocationLevels-1))
	}
	if _, err := s.locations.GetByUUID(ctx, *parent); err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalid(fmt.Sprintf("unknown parent_location %s", parent))
		}
		return err
	}
	return nil
}

func (s *Service) SearchInsurees(ctx context.Context, f InsureeFilter, limit, offset int) ([]*Insuree, int, error) {
	if err := s.checkParentLocation(ctx, f.ParentLocation, f.ParentLocationLevel); err != nil {
		return nil, 0, err
	}
	f.Districts = s.districts(ctx)
	return s.insurees.Search(ctx, f, limit, offset)
}

func (s *Service) SearchFamilies(ctx context.Context, f FamilyFilter, limit, offset int) ([]*Family, int, error) {
	if err := s.checkParentLocation(ctx, f.ParentLocation, f.ParentLocationLevel); err != nil {
		return nil, 0, err
	}
	f.Districts = s.districts(ctx)
	families, total, err := s.families.Search(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if err := s.attachHeads(ctx, families); err != nil {
		return nil, 0, err
	}
	return families, total, nil
}

// InsureesByIDs batch-loads insurees keyed by id.
func (s *Service) InsureesByIDs(ctx context.Context, ids []int) (map[int]*Insuree, error) {
	list, err := s.insurees.GetByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[int]*Insuree, len(list))
	for _, ins := range list {
		byID[ins.ID] = ins
	}
	return byID, nil
}

// FamiliesByIDs batch-loads families keyed by id.
func (s *Service) FamiliesByIDs(ctx context.Context, ids []int) (map[int]*Family, error) {
	list, err := s.families.GetByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[int]*Family, len(list))
	for _, f := range list {
		byID[f.ID] = f
	}
	return byID, nil
}

func (s *Service) attachHeads(ctx context.Context, families []*Family) error {
	ids := make([]int, len(families))
	for i, f := range families {
		ids[i] = f.HeadInsureeID
	}
	heads, err := s.InsureesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load family heads: %w", err)
	}
	for _, f := range families {
		f.HeadInsuree = heads[f.HeadInsureeID]
	}
	return nil
}

// AttachFamilies sets Family on each insuree that belongs to one.
func (s *Service) AttachFamilies(ctx context.Context, insurees []*Insuree) error {
	var ids []int
	for _, ins := range insurees {
		if ins.FamilyID != nil {
			ids = append(ids, *ins.FamilyID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	families, err := s.FamiliesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load families: %w", err)
	}
	for _, ins := range insurees {
		if ins.FamilyID != nil {
			ins.Family = families[*ins.FamilyID]
		}
	}
	return nil
}

// GetInsuree returns the insuree with the given uuid, history rows
// included, subject to row security.
func (s *Service) GetInsuree(ctx context.Context, id uuid.UUID) (*Insuree, error) {
	list, _, err := s.SearchInsurees(ctx, InsureeFilter{UUID: &id}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

func (s *Service) GetFamily(ctx context.Context, id uuid.UUID) (*Family, error) {
	list, _, err := s.SearchFamilies(ctx, FamilyFilter{UUID: &id}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// familyByID returns the live family with the given id, subject to row
// security.
func (s *Service) familyByID(ctx context.Context, id int) (*Family, error) {
	list, _, err := s.families.Search(ctx, FamilyFilter{ID: &id, Districts: s.districts(ctx)}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 || !list[0].IsLive() {
		return nil, ErrNotFound
	}
	return list[0], nil
}

func (s *Service) liveInsuree(ctx context.Context, id uuid.UUID) (*Insuree, error) {
	ins, err := s.GetInsuree(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ins.IsLive() {
		return nil, ErrNotFound
	}
	return ins, nil
}

func (s *Service) liveFamily(ctx context.Context, id uuid.UUID) (*Family, error) {
	f, err := s.GetFamily(ctx, id)
	if err != nil {
		return nil, err
	}
	if !f.IsLive() {
		return nil, ErrNotFound
	}
	return f, nil
}

// FamilyMembers lists the live members of a family, head first, then by
// date of birth.
func (s *Service) FamilyMembers(ctx context.Context, familyID uuid.UUID) ([]*Insuree, error) {
	f, err := s.GetFamily(ctx, familyID)
	if err != nil {
		return nil, err
	}
	return s.insurees.FamilyMembers(ctx, f.ID)
}

func (s *Service) InsureePolicies(ctx context.Context, f InsureePolicyFilter, limit, offset int) ([]*InsureePolicy, int, error) {
	if err := s.checkParentLocation(ctx, f.ParentLocation, f.ParentLocationLevel); err != nil {
		return nil, 0, err
	}
	f.Districts = s.districts(ctx)
	return s.policies.InsureePolicies(ctx, f, limit, offset)
}

// Lookups returns a reference list, cached per tenant.
func (s *Service) Lookups(ctx context.Context, kind LookupKind) ([]Lookup, error) {
	key := "lookup:" + db.TenantFromContext(ctx) + ":" + string(kind)
	var onHit func(bool)
	if s.metrics != nil {
		onHit = s.metrics.ObserveLookupCache
	}
	return cache.GetOrLoad(ctx, s.cache, key, s.opts.LookupTTL, func(ctx context.Context) ([]Lookup, error) {
		return s.lookups.List(ctx, kind)
	}, onHit)
}

// NumberValidity checks the format of number. Numbers already assigned are
// valid.
func (s *Service) NumberValidity(ctx context.Context, number string) (bool, []insureenumber.Error) {
	errs := s.numbers.Validate(ctx, number, false)
	return len(errs) == 0, errs
}

func (s *Service) checkNumber(ctx context.Context, number string, isNew bool) error {
	if errs := s.numbers.Validate(ctx, number, isNew); len(errs) > 0 {
		return &ValidationError{Message: "invalid insuree number", NumberErrors: errs}
	}
	return nil
}

func uniqueIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// -- Validation --

type fieldLimit struct {
	name  string
	value *string
	max   int
}

func checkLimits(limits []fieldLimit) error {
	for _, l := range limits {
		if l.value != nil && utf8.RuneCountInString(*l.value) > l.max {
			return invalid(fmt.Sprintf("%s must be at most %d characters", l.name, l.max))
		}
	}
	return nil
}

func validateInsuree(in *InsureeInput) error {
	if strings.TrimSpace(in.LastName) == "" {
		return invalid("last_name is required")
	}
	if strings.TrimSpace(in.OtherNames) == "" {
		return invalid("other_names is required")
	}
	if in.DOB.IsZero() {
		return invalid("dob is required")
	}
	switch in.Status {
	case "", StatusActive, StatusInactive, StatusDead:
	default:
		return invalid(fmt.Sprintf("unknown status %q", in.Status))
	}
	return checkLimits([]fieldLimit{
		{"chf_id", &in.CHFID, 12},
		{"last_name", &in.LastName, 100},
		{"other_names", &in.OtherNames, 100},
		{"passport", in.Passport, 25},
		{"phone", in.Phone, 50},
		{"email", in.Email, 100},
		{"current_address", in.CurrentAddress, 200},
		{"geolocation", in.Geolocation, 250},
	})
}

func validateFamily(in *FamilyInput) error {
	return checkLimits([]fieldLimit{
		{"address", in.Address, 200},
		{"ethnicity", in.Ethnicity, 1},
		{"confirmation_no", in.ConfirmationNo, 12},
	})
}
