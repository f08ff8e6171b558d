package insuree

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Insuree statuses.
const (
	StatusActive   = "AC"
	StatusInactive = "IN"
	StatusDead     = "DE"
)

// Policy statuses, as stored by the policy module.
const (
	PolicyIdle      = 1
	PolicyActive    = 2
	PolicySuspended = 4
	PolicyExpired   = 8
	PolicyReady     = 16
)

// Mutation log statuses.
const (
	MutationReceived = 0
	MutationError    = 1
	MutationSuccess  = 2
)

const dateLayout = "2006-01-02"

// Date is a calendar date serialised as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(y int, m time.Month, d int) Date {
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*d = Date{}
		return nil
	}
	// Accept full timestamps too; only the date part is kept.
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Insuree maps to the insuree table. Live rows have a nil ValidityTo.
type Insuree struct {
	ID               int             `db:"id" json:"id"`
	UUID             uuid.UUID       `db:"uuid" json:"uuid"`
	LegacyID         *int            `db:"legacy_id" json:"legacy_id,omitempty"`
	FamilyID         *int            `db:"family_id" json:"family_id,omitempty"`
	CHFID            string          `db:"chf_id" json:"chf_id"`
	LastName         string          `db:"last_name" json:"last_name"`
	OtherNames       string          `db:"other_names" json:"other_names"`
	GenderCode       *string         `db:"gender_code" json:"gender_code,omitempty"`
	DOB              Date            `db:"dob" json:"dob"`
	Head             bool            `db:"head" json:"head"`
	Marital          *string         `db:"marital" json:"marital,omitempty"`
	Passport         *string         `db:"passport" json:"passport,omitempty"`
	Phone            *string         `db:"phone" json:"phone,omitempty"`
	Email            *string         `db:"email" json:"email,omitempty"`
	CurrentAddress   *string         `db:"current_address" json:"current_address,omitempty"`
	Geolocation      *string         `db:"geolocation" json:"geolocation,omitempty"`
	CurrentVillageID *int            `db:"current_village_id" json:"current_village_id,omitempty"`
	PhotoID          *int            `db:"photo_id" json:"photo_id,omitempty"`
	PhotoDate        *time.Time      `db:"photo_date" json:"photo_date,omitempty"`
	CardIssued       bool            `db:"card_issued" json:"card_issued"`
	RelationshipID   *int            `db:"relationship_id" json:"relationship_id,omitempty"`
	ProfessionID     *int            `db:"profession_id" json:"profession_id,omitempty"`
	EducationID      *int            `db:"education_id" json:"education_id,omitempty"`
	TypeOfIDCode     *string         `db:"type_of_id_code" json:"type_of_id_code,omitempty"`
	HealthFacilityID *int            `db:"health_facility_id" json:"health_facility_id,omitempty"`
	Offline          bool            `db:"offline" json:"offline"`
	Status           string          `db:"status" json:"status"`
	JSONExt          json.RawMessage `db:"json_ext" json:"json_ext,omitempty"`
	ValidityFrom     time.Time       `db:"validity_from" json:"validity_from"`
	ValidityTo       *time.Time      `db:"validity_to" json:"validity_to,omitempty"`
	AuditUserID      int             `db:"audit_user_id" json:"audit_user_id"`

	Photo  *Photo  `db:"-" json:"photo,omitempty"`
	Family *Family `db:"-" json:"family,omitempty"`
}

// Age returns the insuree's age in whole years at now.
func (i *Insuree) Age(now time.Time) int {
	if i.DOB.IsZero() {
		return 0
	}
	years := now.Year() - i.DOB.Year()
	if now.Month() < i.DOB.Month() || (now.Month() == i.DOB.Month() && now.Day() < i.DOB.Day()) {
		years--
	}
	return years
}

func (i *Insuree) IsLive() bool {
	return i.ValidityTo == nil
}

// Family maps to the family table.
type Family struct {
	ID                   int             `db:"id" json:"id"`
	UUID                 uuid.UUID       `db:"uuid" json:"uuid"`
	LegacyID             *int            `db:"legacy_id" json:"legacy_id,omitempty"`
	HeadInsureeID        int             `db:"head_insuree_id" json:"head_insuree_id"`
	LocationID           *int            `db:"location_id" json:"location_id,omitempty"`
	Poverty              *bool           `db:"poverty" json:"poverty,omitempty"`
	FamilyTypeCode       *string         `db:"family_type_code" json:"family_type_code,omitempty"`
	Address              *string         `db:"address" json:"address,omitempty"`
	IsOffline            bool            `db:"is_offline" json:"is_offline"`
	Ethnicity            *string         `db:"ethnicity" json:"ethnicity,omitempty"`
	ConfirmationNo       *string         `db:"confirmation_no" json:"confirmation_no,omitempty"`
	ConfirmationTypeCode *string         `db:"confirmation_type_code" json:"confirmation_type_code,omitempty"`
	JSONExt              json.RawMessage `db:"json_ext" json:"json_ext,omitempty"`
	ValidityFrom         time.Time       `db:"validity_from" json:"validity_from"`
	ValidityTo           *time.Time      `db:"validity_to" json:"validity_to,omitempty"`
	AuditUserID          int             `db:"audit_user_id" json:"audit_user_id"`

	HeadInsuree *Insuree `db:"-" json:"head_insuree,omitempty"`
}

func (f *Family) IsLive() bool {
	return f.ValidityTo == nil
}

// Photo maps to the photo table. Either Photo holds the base64 image or
// Folder/Filename locate it in the blob store.
type Photo struct {
	ID           int        `db:"id" json:"id"`
	UUID         uuid.UUID  `db:"uuid" json:"uuid"`
	LegacyID     *int       `db:"legacy_id" json:"-"`
	InsureeID    *int       `db:"insuree_id" json:"insuree_id,omitempty"`
	CHFID        *string    `db:"chf_id" json:"chf_id,omitempty"`
	Folder       *string    `db:"folder" json:"folder,omitempty"`
	Filename     *string    `db:"filename" json:"filename,omitempty"`
	OfficerID    *int       `db:"officer_id" json:"officer_id,omitempty"`
	Date         *time.Time `db:"date" json:"date,omitempty"`
	Photo        *string    `db:"photo" json:"photo,omitempty"`
	ValidityFrom time.Time  `db:"validity_from" json:"validity_from"`
	ValidityTo   *time.Time `db:"validity_to" json:"validity_to,omitempty"`
	AuditUserID  int        `db:"audit_user_id" json:"audit_user_id"`
}

// LookupKind names one of the reference lists.
type LookupKind string

const (
	LookupGender             LookupKind = "genders"
	LookupEducation          LookupKind = "educations"
	LookupProfession         LookupKind = "professions"
	LookupRelation           LookupKind = "relations"
	LookupFamilyType         LookupKind = "family-types"
	LookupConfirmationType   LookupKind = "confirmation-types"
	LookupIdentificationType LookupKind = "identification-types"
)

// LookupKinds lists every reference list served by the API.
var LookupKinds = []LookupKind{
	LookupGender, LookupEducation, LookupProfession, LookupRelation,
	LookupFamilyType, LookupConfirmationType, LookupIdentificationType,
}

// Lookup is one entry of a reference list. Lists keyed by integer id expose
// the id as Code.
type Lookup struct {
	Code        string  `json:"code"`
	Label       string  `json:"label"`
	AltLanguage *string `json:"alt_language,omitempty"`
	SortOrder   *int    `json:"sort_order,omitempty"`
}

// Location is the read model of the location hierarchy
// (R region, D district, W ward, V village).
type Location struct {
	ID       int       `json:"id"`
	UUID     uuid.UUID `json:"uuid"`
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	ParentID *int      `json:"parent_id,omitempty"`
}

// Policy is the read model of a family policy with its product limits.
type Policy struct {
	ID                int        `json:"id"`
	UUID              uuid.UUID  `json:"uuid"`
	FamilyID          int        `json:"family_id"`
	Status            int        `json:"status"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
	ProductCode       string     `json:"product_code"`
	ProductMaxMembers int        `json:"product_max_members"`
	ValidityTo        *time.Time `json:"validity_to,omitempty"`
}

// InsureePolicy links an insuree to a policy it is covered by.
type InsureePolicy struct {
	ID             int        `json:"id"`
	InsureeID      int        `json:"insuree_id"`
	PolicyID       int        `json:"policy_id"`
	EnrollmentDate *time.Time `json:"enrollment_date,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EffectiveDate  *time.Time `json:"effective_date,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
	Offline        bool       `json:"offline"`
	ValidityFrom   time.Time  `json:"validity_from"`
	ValidityTo     *time.Time `json:"validity_to,omitempty"`
	AuditUserID    int        `json:"audit_user_id"`
}

type PolicyRenewalDetail struct {
	ID              int       `json:"id"`
	PolicyRenewalID int       `json:"policy_renewal_id"`
	InsureeID       int       `json:"insuree_id"`
	ValidityFrom    time.Time `json:"validity_from"`
	AuditUserID     int       `json:"audit_user_id"`
}

// MutationLog records one mutation request and its outcome.
type MutationLog struct {
	ID               uuid.UUID `json:"id"`
	ClientMutationID string    `json:"client_mutation_id,omitempty"`
	Label            string    `json:"label,omitempty"`
	Status           int       `json:"status"`
	Error            *string   `json:"error,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	RequestedAt      time.Time `json:"requested_at"`
}

// PhotoInput carries a new photo, inline (base64) or already stored.
type PhotoInput struct {
	Photo     string `json:"photo,omitempty"`
	Folder    string `json:"folder,omitempty"`
	Filename  string `json:"filename,omitempty"`
	OfficerID *int   `json:"officer_id,omitempty"`
	Date      *Date  `json:"date,omitempty"`
}

// InsureeInput is the complete state of an insuree. Updates apply it in
// full: fields left out become empty.
type InsureeInput struct {
	UUID             *uuid.UUID      `json:"uuid,omitempty"`
	FamilyID         *int            `json:"family_id,omitempty"`
	CHFID            string          `json:"chf_id"`
	LastName         string          `json:"last_name"`
	OtherNames       string          `json:"other_names"`
	GenderCode       *string         `json:"gender_code,omitempty"`
	DOB              Date            `json:"dob"`
	Head             bool            `json:"head"`
	Marital          *string         `json:"marital,omitempty"`
	Passport         *string         `json:"passport,omitempty"`
	Phone            *string         `json:"phone,omitempty"`
	Email            *string         `json:"email,omitempty"`
	CurrentAddress   *string         `json:"current_address,omitempty"`
	Geolocation      *string         `json:"geolocation,omitempty"`
	CurrentVillageID *int            `json:"current_village_id,omitempty"`
	CardIssued       bool            `json:"card_issued"`
	RelationshipID   *int            `json:"relationship_id,omitempty"`
	ProfessionID     *int            `json:"profession_id,omitempty"`
	EducationID      *int            `json:"education_id,omitempty"`
	TypeOfIDCode     *string         `json:"type_of_id_code,omitempty"`
	HealthFacilityID *int            `json:"health_facility_id,omitempty"`
	Offline          bool            `json:"offline"`
	Status           string          `json:"status,omitempty"`
	JSONExt          json.RawMessage `json:"json_ext,omitempty"`
	Photo            *PhotoInput     `json:"photo,omitempty"`
}

// apply resets every mutable field of ins and repopulates it from in.
// Identity, photo link and validity are left alone.
func (in *InsureeInput) apply(ins *Insuree) {
	ins.FamilyID = in.FamilyID
	ins.CHFID = in.CHFID
	ins.LastName = in.LastName
	ins.OtherNames = in.OtherNames
	ins.GenderCode = in.GenderCode
	ins.DOB = in.DOB
	ins.Head = in.Head
	ins.Marital = in.Marital
	ins.Passport = in.Passport
	ins.Phone = in.Phone
	ins.Email = in.Email
	ins.CurrentAddress = in.CurrentAddress
	ins.Geolocation = in.Geolocation
	ins.CurrentVillageID = in.CurrentVillageID
	ins.CardIssued = in.CardIssued
	ins.RelationshipID = in.RelationshipID
	ins.ProfessionID = in.ProfessionID
	ins.EducationID = in.EducationID
	ins.TypeOfIDCode = in.TypeOfIDCode
	ins.HealthFacilityID = in.HealthFacilityID
	ins.Offline = in.Offline
	ins.Status = in.Status
	if ins.Status == "" {
		ins.Status = StatusActive
	}
	ins.JSONExt = in.JSONExt
}

// FamilyInput is the complete state of a family and its head insuree.
type FamilyInput struct {
	UUID                 *uuid.UUID      `json:"uuid,omitempty"`
	LocationID           *int            `json:"location_id,omitempty"`
	Poverty              *bool           `json:"poverty,omitempty"`
	FamilyTypeCode       *string         `json:"family_type_code,omitempty"`
	Address              *string         `json:"address,omitempty"`
	IsOffline            bool            `json:"is_offline"`
	Ethnicity            *string         `json:"ethnicity,omitempty"`
	ConfirmationNo       *string         `json:"confirmation_no,omitempty"`
	ConfirmationTypeCode *string         `json:"confirmation_type_code,omitempty"`
	JSONExt              json.RawMessage `json:"json_ext,omitempty"`
	HeadInsuree          *InsureeInput   `json:"head_insuree,omitempty"`
}

func (in *FamilyInput) apply(f *Family) {
	f.LocationID = in.LocationID
	f.Poverty = in.Poverty
	f.FamilyTypeCode = in.FamilyTypeCode
	f.Address = in.Address
	f.IsOffline = in.IsOffline
	f.Ethnicity = in.Ethnicity
	f.ConfirmationNo = in.ConfirmationNo
	f.ConfirmationTypeCode = in.ConfirmationTypeCode
	f.JSONExt = in.JSONExt
}

// Mutation identifies the client request behind a write.
type Mutation struct {
	ClientMutationID string
	Label            string
}

// InsureeFilter selects insurees. Empty fields do not filter.
type InsureeFilter struct {
	UUID             *uuid.UUID
	CHFID            string
	LastName         string
	OtherNames       string
	Email            string
	Phone            string
	Passport         string
	GenderCode       string
	Marital          string
	Status           string
	Head             *bool
	DOBFrom          *time.Time
	DOBTo            *time.Time
	PhotoIsNull      *bool
	FamilyIsNull     *bool
	FamilyID         *int
	ShowHistory      bool
	ClientMutationID string

	// ParentLocation is a location uuid at ParentLocationLevel (0 = region).
	ParentLocation      *uuid.UUID
	ParentLocationLevel *int

	// Districts restricts results to these district ids; nil disables it.
	Districts []int
}

type FamilyFilter struct {
	ID               *int
	UUID             *uuid.UUID
	ConfirmationNo   string
	Address          string
	Ethnicity        string
	Poverty          *bool
	LocationID       *int
	OfficerUUID      *uuid.UUID
	HeadCHFID        string
	HeadLastName     string
	ShowHistory      bool
	ClientMutationID string

	// NullAsFalsePoverty true selects poor families; false selects the rest,
	// including those with unknown poverty.
	NullAsFalsePoverty *bool

	ParentLocation      *uuid.UUID
	ParentLocationLevel *int

	Districts []int
}

type InsureePolicyFilter struct {
	InsureeUUID *uuid.UUID
	PolicyUUID  *uuid.UUID
	ActiveOnly  bool

	ParentLocation      *uuid.UUID
	ParentLocationLevel *int

	Districts []int
}
