package insuree

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// -- In-memory store shared by the mock repositories --

type memStore struct {
	nextID    int
	insurees  map[int]*Insuree
	families  map[int]*Family
	photos    map[int]*Photo
	policies  []*Policy
	links     []*InsureePolicy
	details   map[[2]int]*PolicyRenewalDetail
	renewals  map[int]int
	locations map[uuid.UUID]*Location
	lookups   map[LookupKind][]Lookup
	mutations map[uuid.UUID]*MutationLog
	mutIns    map[uuid.UUID][]int
	mutFam    map[uuid.UUID][]int

	lookupCalls int
	// insureeDistrict maps an insuree id to its district for row security.
	insureeDistrict map[int]int
}

func newMemStore() *memStore {
	return &memStore{
		insurees:        make(map[int]*Insuree),
		families:        make(map[int]*Family),
		photos:          make(map[int]*Photo),
		details:         make(map[[2]int]*PolicyRenewalDetail),
		renewals:        make(map[int]int),
		locations:       make(map[uuid.UUID]*Location),
		lookups:         make(map[LookupKind][]Lookup),
		mutations:       make(map[uuid.UUID]*MutationLog),
		mutIns:          make(map[uuid.UUID][]int),
		mutFam:          make(map[uuid.UUID][]int),
		insureeDistrict: make(map[int]int),
	}
}

func (s *memStore) id() int {
	s.nextID++
	return s.nextID
}

func (s *memStore) repos() Repositories {
	return Repositories{
		Insurees:  &mockInsureeRepo{s},
		Families:  &mockFamilyRepo{s},
		Photos:    &mockPhotoRepo{s},
		Policies:  &mockPolicyRepo{s},
		Locations: &mockLocationRepo{s},
		Lookups:   &mockLookupRepo{s},
		Mutations: &mockMutationRepo{s},
	}
}

// live returns the live insurees, sorted by id.
func (s *memStore) liveInsurees() []*Insuree {
	var out []*Insuree
	for _, ins := range s.insurees {
		if ins.ValidityTo == nil {
			out = append(out, ins)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) history(id int) []*Insuree {
	var out []*Insuree
	for _, ins := range s.insurees {
		if ins.LegacyID != nil && *ins.LegacyID == id {
			out = append(out, ins)
		}
	}
	return out
}

type fakeTx struct {
	calls int
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	return fn(ctx)
}

// -- Mock Insuree Repository --

type mockInsureeRepo struct{ s *memStore }

// numberConflict mirrors the unique index on live insuree numbers.
func (m *mockInsureeRepo) numberConflict(ins *Insuree) error {
	for id, other := range m.s.insurees {
		if id != ins.ID && other.ValidityTo == nil && other.CHFID == ins.CHFID {
			return ErrNumberTaken
		}
	}
	return nil
}

func (m *mockInsureeRepo) Create(_ context.Context, ins *Insuree) error {
	if err := m.numberConflict(ins); err != nil {
		return err
	}
	ins.ID = m.s.id()
	ins.UUID = uuid.New()
	cp := *ins
	m.s.insurees[ins.ID] = &cp
	return nil
}

func (m *mockInsureeRepo) GetByID(_ context.Context, id int) (*Insuree, error) {
	ins, ok := m.s.insurees[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ins
	return &cp, nil
}

func (m *mockInsureeRepo) GetByUUID(_ context.Context, id uuid.UUID) (*Insuree, error) {
	for _, ins := range m.s.insurees {
		if ins.UUID == id && ins.ValidityTo == nil {
			cp := *ins
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockInsureeRepo) GetByIDs(_ context.Context, ids []int) ([]*Insuree, error) {
	var out []*Insuree
	for _, id := range ids {
		if ins, ok := m.s.insurees[id]; ok {
			cp := *ins
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockInsureeRepo) Update(_ context.Context, ins *Insuree) error {
	stored, ok := m.s.insurees[ins.ID]
	if !ok || stored.ValidityTo != nil {
		return ErrNotFound
	}
	if err := m.numberConflict(ins); err != nil {
		return err
	}
	cp := *ins
	m.s.insurees[ins.ID] = &cp
	return nil
}

func (m *mockInsureeRepo) SaveHistory(_ context.Context, ins *Insuree) error {
	stored, ok := m.s.insurees[ins.ID]
	if !ok {
		return ErrNotFound
	}
	h := *stored
	h.ID = m.s.id()
	h.UUID = uuid.New()
	legacy := stored.ID
	h.LegacyID = &legacy
	now := time.Now()
	h.ValidityTo = &now
	m.s.insurees[h.ID] = &h
	return nil
}

func (m *mockInsureeRepo) SoftDelete(_ context.Context, ids []int, at time.Time, auditUserID int) error {
	for _, id := range ids {
		if ins, ok := m.s.insurees[id]; ok && ins.ValidityTo == nil {
			t := at
			ins.ValidityTo = &t
			ins.AuditUserID = auditUserID
		}
	}
	return nil
}

func (m *mockInsureeRepo) Search(_ context.Context, f InsureeFilter, limit, offset int) ([]*Insuree, int, error) {
	var result []*Insuree
	ids := make([]int, 0, len(m.s.insurees))
	for id := range m.s.insurees {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		ins := m.s.insurees[id]
		if f.UUID != nil {
			if ins.UUID != *f.UUID {
				continue
			}
		} else if !f.ShowHistory && ins.ValidityTo != nil {
			continue
		}
		if f.CHFID != "" && !strings.HasPrefix(ins.CHFID, f.CHFID) {
			continue
		}
		if f.LastName != "" && !strings.Contains(strings.ToLower(ins.LastName), strings.ToLower(f.LastName)) {
			continue
		}
		if f.FamilyID != nil && (ins.FamilyID == nil || *ins.FamilyID != *f.FamilyID) {
			continue
		}
		if f.Head != nil && ins.Head != *f.Head {
			continue
		}
		if f.Districts != nil && !containsInt(f.Districts, m.s.insureeDistrict[ins.ID]) {
			continue
		}
		cp := *ins
		result = append(result, &cp)
	}
	total := len(result)
	if offset >= len(result) {
		return nil, total, nil
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

func (m *mockInsureeRepo) FamilyMembers(_ context.Context, familyID int) ([]*Insuree, error) {
	var out []*Insuree
	for _, ins := range m.s.liveInsurees() {
		if ins.FamilyID != nil && *ins.FamilyID == familyID {
			cp := *ins
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Head != out[j].Head {
			return out[i].Head
		}
		return out[i].DOB.Before(out[j].DOB.Time)
	})
	return out, nil
}

func (m *mockInsureeRepo) CountMembers(ctx context.Context, familyID int) (int, error) {
	members, _ := m.FamilyMembers(ctx, familyID)
	return len(members), nil
}

func (m *mockInsureeRepo) NumberTaken(_ context.Context, chfID string) (bool, error) {
	for _, ins := range m.s.liveInsurees() {
		if ins.CHFID == chfID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockInsureeRepo) PhotosDueForRenewal(_ context.Context, familyID int, c RenewalCutoffs) ([]*Insuree, error) {
	var out []*Insuree
	for _, ins := range m.s.liveInsurees() {
		if ins.FamilyID == nil || *ins.FamilyID != familyID {
			continue
		}
		hasPhoto := false
		for _, p := range m.s.photos {
			if p.InsureeID != nil && *p.InsureeID == ins.ID {
				hasPhoto = true
				break
			}
		}
		if !hasPhoto {
			continue
		}
		pd := ins.PhotoDate
		if pd == nil || !pd.After(c.AdultPhoto) || (!pd.After(c.ChildPhoto) && ins.DOB.After(c.MinorBornAfter)) {
			cp := *ins
			out = append(out, &cp)
		}
	}
	return out, nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// -- Mock Family Repository --

type mockFamilyRepo struct{ s *memStore }

func (m *mockFamilyRepo) Create(_ context.Context, f *Family) error {
	f.ID = m.s.id()
	f.UUID = uuid.New()
	cp := *f
	cp.HeadInsuree = nil
	m.s.families[f.ID] = &cp
	return nil
}

func (m *mockFamilyRepo) GetByIDs(_ context.Context, ids []int) ([]*Family, error) {
	var out []*Family
	for _, id := range ids {
		if f, ok := m.s.families[id]; ok {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockFamilyRepo) Update(_ context.Context, f *Family) error {
	stored, ok := m.s.families[f.ID]
	if !ok || stored.ValidityTo != nil {
		return ErrNotFound
	}
	cp := *f
	cp.HeadInsuree = nil
	m.s.families[f.ID] = &cp
	return nil
}

func (m *mockFamilyRepo) SaveHistory(_ context.Context, f *Family) error {
	stored, ok := m.s.families[f.ID]
	if !ok {
		return ErrNotFound
	}
	h := *stored
	h.ID = m.s.id()
	h.UUID = uuid.New()
	legacy := stored.ID
	h.LegacyID = &legacy
	now := time.Now()
	h.ValidityTo = &now
	m.s.families[h.ID] = &h
	return nil
}

func (m *mockFamilyRepo) SoftDelete(_ context.Context, ids []int, at time.Time, _ int) error {
	for _, id := range ids {
		if f, ok := m.s.families[id]; ok && f.ValidityTo == nil {
			t := at
			f.ValidityTo = &t
		}
	}
	return nil
}

func (m *mockFamilyRepo) Search(_ context.Context, ff FamilyFilter, limit, offset int) ([]*Family, int, error) {
	var result []*Family
	ids := make([]int, 0, len(m.s.families))
	for id := range m.s.families {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		f := m.s.families[id]
		if ff.ID != nil {
			if f.ID != *ff.ID {
				continue
			}
		} else if ff.UUID != nil {
			if f.UUID != *ff.UUID {
				continue
			}
		} else if !ff.ShowHistory && f.ValidityTo != nil {
			continue
		}
		if ff.NullAsFalsePoverty != nil {
			poor := f.Poverty != nil && *f.Poverty
			if poor != *ff.NullAsFalsePoverty {
				continue
			}
		}
		if ff.Districts != nil && !containsInt(ff.Districts, m.s.insureeDistrict[f.HeadInsureeID]) {
			continue
		}
		cp := *f
		result = append(result, &cp)
	}
	total := len(result)
	if offset >= len(result) {
		return nil, total, nil
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

// -- Mock Photo Repository --

type mockPhotoRepo struct{ s *memStore }

func (m *mockPhotoRepo) Create(_ context.Context, p *Photo) error {
	p.ID = m.s.id()
	p.UUID = uuid.New()
	cp := *p
	m.s.photos[p.ID] = &cp
	return nil
}

func (m *mockPhotoRepo) GetByID(_ context.Context, id int) (*Photo, error) {
	p, ok := m.s.photos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPhotoRepo) GetByIDs(_ context.Context, ids []int) ([]*Photo, error) {
	var out []*Photo
	for _, id := range ids {
		if p, ok := m.s.photos[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPhotoRepo) Update(_ context.Context, p *Photo) error {
	cp := *p
	m.s.photos[p.ID] = &cp
	return nil
}

func (m *mockPhotoRepo) SaveHistory(_ context.Context, p *Photo) error {
	stored, ok := m.s.photos[p.ID]
	if !ok {
		return ErrNotFound
	}
	h := *stored
	h.ID = m.s.id()
	legacy := stored.ID
	h.LegacyID = &legacy
	h.InsureeID = nil
	now := time.Now()
	h.ValidityTo = &now
	m.s.photos[h.ID] = &h
	return nil
}

// -- Mock Policy Repository --

type mockPolicyRepo struct{ s *memStore }

func (m *mockPolicyRepo) ActivePolicies(_ context.Context, familyID int) ([]*Policy, error) {
	var out []*Policy
	for _, p := range m.s.policies {
		if p.FamilyID != familyID || p.ValidityTo != nil {
			continue
		}
		if p.Status == PolicyExpired || p.Status == PolicySuspended {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *mockPolicyRepo) InsureePolicies(_ context.Context, f InsureePolicyFilter, limit, offset int) ([]*InsureePolicy, int, error) {
	var out []*InsureePolicy
	for _, l := range m.s.links {
		if f.ActiveOnly && l.ValidityTo != nil {
			continue
		}
		if f.InsureeUUID != nil {
			ins, ok := m.s.insurees[l.InsureeID]
			if !ok || ins.UUID != *f.InsureeUUID {
				continue
			}
		}
		out = append(out, l)
	}
	return out, len(out), nil
}

func (m *mockPolicyRepo) EndInsureePolicies(_ context.Context, insureeIDs []int, at time.Time, _ int) error {
	for _, l := range m.s.links {
		if containsInt(insureeIDs, l.InsureeID) && l.ValidityTo == nil {
			t := at
			l.ExpiryDate = &t
		}
	}
	return nil
}

func (m *mockPolicyRepo) CreateRenewalDetail(_ context.Context, d *PolicyRenewalDetail) (bool, error) {
	key := [2]int{d.PolicyRenewalID, d.InsureeID}
	if _, ok := m.s.details[key]; ok {
		return false, nil
	}
	d.ID = m.s.id()
	m.s.details[key] = d
	return true, nil
}

func (m *mockPolicyRepo) RenewalFamily(_ context.Context, renewalID int) (int, error) {
	familyID, ok := m.s.renewals[renewalID]
	if !ok {
		return 0, ErrNotFound
	}
	return familyID, nil
}

// -- Mock Location, Lookup and Mutation Repositories --

type mockLocationRepo struct{ s *memStore }

func (m *mockLocationRepo) GetByUUID(_ context.Context, id uuid.UUID) (*Location, error) {
	l, ok := m.s.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

type mockLookupRepo struct{ s *memStore }

func (m *mockLookupRepo) List(_ context.Context, kind LookupKind) ([]Lookup, error) {
	m.s.lookupCalls++
	return m.s.lookups[kind], nil
}

type mockMutationRepo struct{ s *memStore }

func (m *mockMutationRepo) Create(_ context.Context, ml *MutationLog) error {
	ml.ID = uuid.New()
	cp := *ml
	m.s.mutations[ml.ID] = &cp
	return nil
}

func (m *mockMutationRepo) Finish(_ context.Context, id uuid.UUID, status int, errMsg *string) error {
	ml, ok := m.s.mutations[id]
	if !ok {
		return ErrNotFound
	}
	ml.Status = status
	ml.Error = errMsg
	return nil
}

func (m *mockMutationRepo) LinkInsurees(_ context.Context, id uuid.UUID, ids []int) error {
	m.s.mutIns[id] = append(m.s.mutIns[id], ids...)
	return nil
}

func (m *mockMutationRepo) LinkFamilies(_ context.Context, id uuid.UUID, ids []int) error {
	m.s.mutFam[id] = append(m.s.mutFam[id], ids...)
	return nil
}
