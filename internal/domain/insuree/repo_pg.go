package insuree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imis/insuree/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

const uniqueLiveNumberIndex = "uq_insuree_chf_id_live"

// numberConflict maps a unique violation on the live number index to
// ErrNumberTaken.
func numberConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == uniqueLiveNumberIndex {
		return fmt.Errorf("%w: %s", ErrNumberTaken, pgErr.Detail)
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func jsonArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// locationFilters adds the parent-location and district restrictions shared
// by every search. locExpr is the SQL expression of the row's village.
func locationFilters(q *searchQuery, levels int, locExpr string, parent *uuid.UUID, level *int, districts []int) error {
	if parent != nil {
		if level == nil {
			return ErrMissingLevel
		}
		hops, err := parentHops(levels, *level)
		if err != nil {
			return err
		}
		q.Add(fmt.Sprintf("%s = $%d", ancestorExpr(locExpr, hops, "uuid"), q.Idx()), *parent)
	}
	if districts != nil {
		hops, err := parentHops(levels, districtLevel)
		if err != nil {
			return err
		}
		q.Add(fmt.Sprintf("%s = ANY($%d)", ancestorExpr(locExpr, hops, "id"), q.Idx()), districts)
	}
	return nil
}

// -- Insuree Repository --

type insureeRepoPG struct {
	pool   *pgxpool.Pool
	levels int
}

// NewInsureeRepo returns the PostgreSQL insuree repository. levels is the
// depth of the location hierarchy.
func NewInsureeRepo(pool *pgxpool.Pool, levels int) InsureeRepository {
	return &insureeRepoPG{pool: pool, levels: levels}
}

func (r *insureeRepoPG) conn(ctx context.Context) querier {
	return connFor(ctx, r.pool)
}

const insureeMutableCols = `family_id, chf_id, last_name, other_names, gender_code, dob, head, marital,
	passport, phone, email, current_address, geolocation, current_village_id, photo_id, photo_date,
	card_issued, relationship_id, profession_id, education_id, type_of_id_code, health_facility_id,
	offline, status, json_ext`

const insureeCols = `i.id, i.uuid, i.legacy_id, i.family_id, i.chf_id, i.last_name, i.other_names, i.gender_code,
	i.dob, i.head, i.marital, i.passport, i.phone, i.email, i.current_address, i.geolocation,
	i.current_village_id, i.photo_id, i.photo_date, i.card_issued, i.relationship_id, i.profession_id,
	i.education_id, i.type_of_id_code, i.health_facility_id, i.offline, i.status, i.json_ext,
	i.validity_from, i.validity_to, i.audit_user_id`

func insureeArgs(ins *Insuree) []interface{} {
	return []interface{}{
		ins.FamilyID, ins.CHFID, ins.LastName, ins.OtherNames, ins.GenderCode, ins.DOB.Time, ins.Head, ins.Marital,
		ins.Passport, ins.Phone, ins.Email, ins.CurrentAddress, ins.Geolocation, ins.CurrentVillageID, ins.PhotoID, ins.PhotoDate,
		ins.CardIssued, ins.RelationshipID, ins.ProfessionID, ins.EducationID, ins.TypeOfIDCode, ins.HealthFacilityID,
		ins.Offline, ins.Status, jsonArg(ins.JSONExt),
	}
}

func (r *insureeRepoPG) Create(ctx context.Context, ins *Insuree) error {
	ins.UUID = uuid.New()
	if ins.ValidityFrom.IsZero() {
		ins.ValidityFrom = time.Now().UTC()
	}
	args := append([]interface{}{ins.UUID}, insureeArgs(ins)...)
	args = append(args, ins.ValidityFrom, ins.AuditUserID)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO insuree (uuid, `+insureeMutableCols+`, validity_from, audit_user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
		RETURNING id`, args...).Scan(&ins.ID)
	return numberConflict(err)
}

func (r *insureeRepoPG) GetByID(ctx context.Context, id int) (*Insuree, error) {
	ins, err := scanInsuree(r.conn(ctx).QueryRow(ctx, `SELECT `+insureeCols+` FROM insuree i WHERE i.id = $1`, id))
	return ins, notFound(err)
}

// GetByUUID returns the live insuree with the given uuid.
func (r *insureeRepoPG) GetByUUID(ctx context.Context, id uuid.UUID) (*Insuree, error) {
	ins, err := scanInsuree(r.conn(ctx).QueryRow(ctx,
		`SELECT `+insureeCols+` FROM insuree i WHERE i.uuid = $1 AND i.validity_to IS NULL`, id))
	return ins, notFound(err)
}

func (r *insureeRepoPG) GetByIDs(ctx context.Context, ids []int) ([]*Insuree, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+insureeCols+` FROM insuree i WHERE i.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectInsurees(rows)
}

func (r *insureeRepoPG) Update(ctx context.Context, ins *Insuree) error {
	args := append([]interface{}{ins.ID}, insureeArgs(ins)...)
	args = append(args, ins.ValidityFrom, ins.AuditUserID)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE insuree SET
			family_id=$2, chf_id=$3, last_name=$4, other_names=$5, gender_code=$6, dob=$7, head=$8, marital=$9,
			passport=$10, phone=$11, email=$12, current_address=$13, geolocation=$14, current_village_id=$15,
			photo_id=$16, photo_date=$17, card_issued=$18, relationship_id=$19, profession_id=$20,
			education_id=$21, type_of_id_code=$22, health_facility_id=$23, offline=$24, status=$25, json_ext=$26,
			validity_from=$27, audit_user_id=$28
		WHERE id = $1 AND validity_to IS NULL`, args...)
	if err != nil {
		return numberConflict(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *insureeRepoPG) SaveHistory(ctx context.Context, ins *Insuree) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insuree (uuid, legacy_id, `+insureeMutableCols+`, validity_from, validity_to, audit_user_id)
		SELECT $2::uuid, id, `+insureeMutableCols+`, validity_from, NOW(), audit_user_id
		FROM insuree WHERE id = $1`, ins.ID, uuid.New())
	return err
}

func (r *insureeRepoPG) SoftDelete(ctx context.Context, ids []int, at time.Time, auditUserID int) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE insuree SET validity_to = $2, audit_user_id = $3 WHERE id = ANY($1) AND validity_to IS NULL`,
		ids, at, auditUserID)
	return err
}

const insureeFrom = `insuree i LEFT JOIN family f ON f.id = i.family_id`

// insureeVillage is the village of an insuree: its own current village, or
// its family's location when it has none.
const insureeVillage = `COALESCE(i.current_village_id, f.location_id)`

func (r *insureeRepoPG) Search(ctx context.Context, f InsureeFilter, limit, offset int) ([]*Insuree, int, error) {
	q := newSearchQuery(insureeFrom, insureeCols)
	if f.UUID != nil {
		q.Eq("i.uuid", *f.UUID)
	} else if !f.ShowHistory {
		q.Add("i.validity_to IS NULL")
	}
	if f.CHFID != "" {
		q.StartsWith("i.chf_id", f.CHFID)
	}
	if f.LastName != "" {
		q.Contains("i.last_name", f.LastName)
	}
	if f.OtherNames != "" {
		q.Contains("i.other_names", f.OtherNames)
	}
	if f.Email != "" {
		q.Contains("i.email", f.Email)
	}
	if f.Phone != "" {
		q.Contains("i.phone", f.Phone)
	}
	if f.Passport != "" {
		q.Contains("i.passport", f.Passport)
	}
	if f.GenderCode != "" {
		q.Eq("i.gender_code", f.GenderCode)
	}
	if f.Marital != "" {
		q.Eq("i.marital", f.Marital)
	}
	if f.Status != "" {
		q.Eq("i.status", f.Status)
	}
	if f.Head != nil {
		q.Eq("i.head", *f.Head)
	}
	if f.DOBFrom != nil {
		q.Add(fmt.Sprintf("i.dob >= $%d", q.Idx()), *f.DOBFrom)
	}
	if f.DOBTo != nil {
		q.Add(fmt.Sprintf("i.dob <= $%d", q.Idx()), *f.DOBTo)
	}
	if f.PhotoIsNull != nil {
		q.IsNull("i.photo_id", *f.PhotoIsNull)
	}
	if f.FamilyIsNull != nil {
		q.IsNull("i.family_id", *f.FamilyIsNull)
	}
	if f.FamilyID != nil {
		q.Eq("i.family_id", *f.FamilyID)
	}
	if f.ClientMutationID != "" {
		q.Add(fmt.Sprintf(`i.id IN (SELECT im.insuree_id FROM insuree_mutation im
			JOIN mutation_log ml ON ml.id = im.mutation_id WHERE ml.client_mutation_id = $%d)`, q.Idx()), f.ClientMutationID)
	}
	if err := locationFilters(q, r.levels, insureeVillage, f.ParentLocation, f.ParentLocationLevel, f.Districts); err != nil {
		return nil, 0, err
	}
	q.OrderBy("i.last_name, i.other_names, i.id")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(limit, offset), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	insurees, err := collectInsurees(rows)
	if err != nil {
		return nil, 0, err
	}
	return insurees, total, nil
}

// FamilyMembers returns the live members, head first, then by birth date.
func (r *insureeRepoPG) FamilyMembers(ctx context.Context, familyID int) ([]*Insuree, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+insureeCols+` FROM insuree i
		WHERE i.family_id = $1 AND i.validity_to IS NULL
		ORDER BY i.head DESC, i.dob, i.id`, familyID)
	if err != nil {
		return nil, err
	}
	return collectInsurees(rows)
}

func (r *insureeRepoPG) CountMembers(ctx context.Context, familyID int) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM insuree WHERE family_id = $1 AND validity_to IS NULL`, familyID).Scan(&n)
	return n, err
}

func (r *insureeRepoPG) NumberTaken(ctx context.Context, chfID string) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM insuree WHERE chf_id = $1 AND validity_to IS NULL)`, chfID).Scan(&taken)
	return taken, err
}

func (r *insureeRepoPG) PhotosDueForRenewal(ctx context.Context, familyID int, c RenewalCutoffs) ([]*Insuree, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+insureeCols+` FROM insuree i
		WHERE i.family_id = $1 AND i.validity_to IS NULL
		  AND EXISTS (SELECT 1 FROM photo p WHERE p.insuree_id = i.id)
		  AND (i.photo_date IS NULL
		       OR i.photo_date <= $2
		       OR (i.photo_date <= $3 AND i.dob > $4))
		ORDER BY i.id`, familyID, c.AdultPhoto, c.ChildPhoto, c.MinorBornAfter)
	if err != nil {
		return nil, err
	}
	return collectInsurees(rows)
}

func scanInsuree(row pgx.Row) (*Insuree, error) {
	var ins Insuree
	var dob time.Time
	var ext []byte
	err := row.Scan(
		&ins.ID, &ins.UUID, &ins.LegacyID, &ins.FamilyID, &ins.CHFID, &ins.LastName, &ins.OtherNames, &ins.GenderCode,
		&dob, &ins.Head, &ins.Marital, &ins.Passport, &ins.Phone, &ins.Email, &ins.CurrentAddress, &ins.Geolocation,
		&ins.CurrentVillageID, &ins.PhotoID, &ins.PhotoDate, &ins.CardIssued, &ins.RelationshipID, &ins.ProfessionID,
		&ins.EducationID, &ins.TypeOfIDCode, &ins.HealthFacilityID, &ins.Offline, &ins.Status, &ext,
		&ins.ValidityFrom, &ins.ValidityTo, &ins.AuditUserID,
	)
	if err != nil {
		return nil, err
	}
	ins.DOB = Date{dob}
	ins.JSONExt = rawJSON(ext)
	return &ins, nil
}

func collectInsurees(rows pgx.Rows) ([]*Insuree, error) {
	defer rows.Close()
	var out []*Insuree
	for rows.Next() {
		ins, err := scanInsuree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// -- Family Repository --

type familyRepoPG struct {
	pool   *pgxpool.Pool
	levels int
}

func NewFamilyRepo(pool *pgxpool.Pool, levels int) FamilyRepository {
	return &familyRepoPG{pool: pool, levels: levels}
}

func (r *familyRepoPG) conn(ctx context.Context) querier {
	return connFor(ctx, r.pool)
}

const familyMutableCols = `head_insuree_id, location_id, poverty, family_type_code, address, is_offline,
	ethnicity, confirmation_no, confirmation_type_code, json_ext`

const familyCols = `f.id, f.uuid, f.legacy_id, f.head_insuree_id, f.location_id, f.poverty, f.family_type_code,
	f.address, f.is_offline, f.ethnicity, f.confirmation_no, f.confirmation_type_code, f.json_ext,
	f.validity_from, f.validity_to, f.audit_user_id`

func familyArgs(f *Family) []interface{} {
	return []interface{}{
		f.HeadInsureeID, f.LocationID, f.Poverty, f.FamilyTypeCode, f.Address, f.IsOffline,
		f.Ethnicity, f.ConfirmationNo, f.ConfirmationTypeCode, jsonArg(f.JSONExt),
	}
}

func (r *familyRepoPG) Create(ctx context.Context, f *Family) error {
	f.UUID = uuid.New()
	if f.ValidityFrom.IsZero() {
		f.ValidityFrom = time.Now().UTC()
	}
	args := append([]interface{}{f.UUID}, familyArgs(f)...)
	args = append(args, f.ValidityFrom, f.AuditUserID)
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO family (uuid, `+familyMutableCols+`, validity_from, audit_user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`, args...).Scan(&f.ID)
}

func (r *familyRepoPG) GetByIDs(ctx context.Context, ids []int) ([]*Family, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+familyCols+` FROM family f WHERE f.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectFamilies(rows)
}

func (r *familyRepoPG) Update(ctx context.Context, f *Family) error {
	args := append([]interface{}{f.ID}, familyArgs(f)...)
	args = append(args, f.ValidityFrom, f.AuditUserID)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE family SET
			head_insuree_id=$2, location_id=$3, poverty=$4, family_type_code=$5, address=$6, is_offline=$7,
			ethnicity=$8, confirmation_no=$9, confirmation_type_code=$10, json_ext=$11,
			validity_from=$12, audit_user_id=$13
		WHERE id = $1 AND validity_to IS NULL`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *familyRepoPG) SaveHistory(ctx context.Context, f *Family) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO family (uuid, legacy_id, `+familyMutableCols+`, validity_from, validity_to, audit_user_id)
		SELECT $2::uuid, id, `+familyMutableCols+`, validity_from, NOW(), audit_user_id
		FROM family WHERE id = $1`, f.ID, uuid.New())
	return err
}

func (r *familyRepoPG) SoftDelete(ctx context.Context, ids []int, at time.Time, auditUserID int) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE family SET validity_to = $2, audit_user_id = $3 WHERE id = ANY($1) AND validity_to IS NULL`,
		ids, at, auditUserID)
	return err
}

func (r *familyRepoPG) Search(ctx context.Context, ff FamilyFilter, limit, offset int) ([]*Family, int, error) {
	q := newSearchQuery(`family f JOIN insuree h ON h.id = f.head_insuree_id`, familyCols)
	if ff.ID != nil {
		q.Eq("f.id", *ff.ID)
	} else if ff.UUID != nil {
		q.Eq("f.uuid", *ff.UUID)
	} else if !ff.ShowHistory {
		q.Add("f.validity_to IS NULL")
	}
	if ff.ConfirmationNo != "" {
		q.StartsWith("f.confirmation_no", ff.ConfirmationNo)
	}
	if ff.Address != "" {
		q.Contains("f.address", ff.Address)
	}
	if ff.Ethnicity != "" {
		q.Eq("f.ethnicity", ff.Ethnicity)
	}
	if ff.Poverty != nil {
		q.Eq("f.poverty", *ff.Poverty)
	}
	if ff.NullAsFalsePoverty != nil {
		if *ff.NullAsFalsePoverty {
			q.Add("f.poverty = TRUE")
		} else {
			q.Add("(f.poverty = FALSE OR f.poverty IS NULL)")
		}
	}
	if ff.LocationID != nil {
		q.Eq("f.location_id", *ff.LocationID)
	}
	if ff.OfficerUUID != nil {
		q.Add(fmt.Sprintf(`f.id IN (SELECT p.family_id FROM policy p
			JOIN officer o ON o.id = p.officer_id WHERE o.uuid = $%d)`, q.Idx()), *ff.OfficerUUID)
	}
	if ff.HeadCHFID != "" {
		q.StartsWith("h.chf_id", ff.HeadCHFID)
	}
	if ff.HeadLastName != "" {
		q.Contains("h.last_name", ff.HeadLastName)
	}
	if ff.ClientMutationID != "" {
		q.Add(fmt.Sprintf(`f.id IN (SELECT fm.family_id FROM family_mutation fm
			JOIN mutation_log ml ON ml.id = fm.mutation_id WHERE ml.client_mutation_id = $%d)`, q.Idx()), ff.ClientMutationID)
	}
	if err := locationFilters(q, r.levels, "f.location_id", ff.ParentLocation, ff.ParentLocationLevel, ff.Districts); err != nil {
		return nil, 0, err
	}
	q.OrderBy("h.last_name, h.other_names, f.id")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(limit, offset), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	families, err := collectFamilies(rows)
	if err != nil {
		return nil, 0, err
	}
	return families, total, nil
}

func collectFamilies(rows pgx.Rows) ([]*Family, error) {
	defer rows.Close()
	var out []*Family
	for rows.Next() {
		f, err := scanFamily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFamily(row pgx.Row) (*Family, error) {
	var f Family
	var ext []byte
	err := row.Scan(
		&f.ID, &f.UUID, &f.LegacyID, &f.HeadInsureeID, &f.LocationID, &f.Poverty, &f.FamilyTypeCode,
		&f.Address, &f.IsOffline, &f.Ethnicity, &f.ConfirmationNo, &f.ConfirmationTypeCode, &ext,
		&f.ValidityFrom, &f.ValidityTo, &f.AuditUserID,
	)
	if err != nil {
		return nil, err
	}
	f.JSONExt = rawJSON(ext)
	return &f, nil
}

// -- Photo Repository --

type photoRepoPG struct {
	pool *pgxpool.Pool
}

func NewPhotoRepo(pool *pgxpool.Pool) PhotoRepository {
	return &photoRepoPG{pool: pool}
}

func (r *photoRepoPG) conn(ctx context.Context) querier {
	return connFor(ctx, r.pool)
}

const photoMutableCols = `insuree_id, chf_id, folder, filename, officer_id, date, photo`

const photoCols = `id, uuid, legacy_id, ` + photoMutableCols + `, validity_from, validity_to, audit_user_id`

func (r *photoRepoPG) Create(ctx context.Context, p *Photo) error {
	p.UUID = uuid.New()
	if p.ValidityFrom.IsZero() {
		p.ValidityFrom = time.Now().UTC()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO photo (uuid, `+photoMutableCols+`, validity_from, audit_user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id`,
		p.UUID, p.InsureeID, p.CHFID, p.Folder, p.Filename, p.OfficerID, p.Date, p.Photo,
		p.ValidityFrom, p.AuditUserID,
	).Scan(&p.ID)
}

func (r *photoRepoPG) GetByID(ctx context.Context, id int) (*Photo, error) {
	p, err := scanPhoto(r.conn(ctx).QueryRow(ctx, `SELECT `+photoCols+` FROM photo WHERE id = $1`, id))
	return p, notFound(err)
}

func (r *photoRepoPG) GetByIDs(ctx context.Context, ids []int) ([]*Photo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+photoCols+` FROM photo WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []*Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (r *photoRepoPG) Update(ctx context.Context, p *Photo) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE photo SET insuree_id=$2, chf_id=$3, folder=$4, filename=$5, officer_id=$6, date=$7, photo=$8,
			validity_from=$9, audit_user_id=$10
		WHERE id = $1`,
		p.ID, p.InsureeID, p.CHFID, p.Folder, p.Filename, p.OfficerID, p.Date, p.Photo,
		p.ValidityFrom, p.AuditUserID,
	)
	return err
}

func (r *photoRepoPG) SaveHistory(ctx context.Context, p *Photo) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO photo (uuid, legacy_id, `+photoMutableCols+`, validity_from, validity_to, audit_user_id)
		SELECT $2::uuid, id, `+photoMutableCols+`, validity_from, NOW(), audit_user_id
		FROM photo WHERE id = $1`, p.ID, uuid.New())
	return err
}

func scanPhoto(row pgx.Row) (*Photo, error) {
	var p Photo
	err := row.Scan(
		&p.ID, &p.UUID, &p.LegacyID, &p.InsureeID, &p.CHFID, &p.Folder, &p.Filename, &p.OfficerID, &p.Date, &p.Photo,
		&p.ValidityFrom, &p.ValidityTo, &p.AuditUserID,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// -- Policy Repository --

type policyRepoPG struct {
	pool   *pgxpool.Pool
	levels int
}

func NewPolicyRepo(pool *pgxpool.Pool, levels int) PolicyRepository {
	return &policyRepoPG{pool: pool, levels: levels}
}

func (r *policyRepoPG) conn(ctx context.Context) querier {
	return connFor(ctx, r.pool)
}

func (r *policyRepoPG) ActivePolicies(ctx context.Context, familyID int) ([]*Policy, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT p.id, p.uuid, p.family_id, p.status, p.start_date, p.expiry_date, pr.code, pr.max_members, p.validity_to
		FROM policy p JOIN product pr ON pr.id = p.product_id
		WHERE p.family_id = $1 AND p.validity_to IS NULL AND p.status NOT IN ($2, $3)
		ORDER BY p.start_date, p.id`, familyID, PolicyExpired, PolicySuspended)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.UUID, &p.FamilyID, &p.Status, &p.StartDate, &p.ExpiryDate,
			&p.ProductCode, &p.ProductMaxMembers, &p.ValidityTo); err != nil {
			return nil, err
		}
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

const insureePolicyCols = `ip.id, ip.insuree_id, ip.policy_id, ip.enrollment_date, ip.start_date, ip.effective_date,
	ip.expiry_date, ip.offline, ip.validity_from, ip.validity_to, ip.audit_user_id`

func (r *policyRepoPG) InsureePolicies(ctx context.Context, f InsureePolicyFilter, limit, offset int) ([]*InsureePolicy, int, error) {
	q := newSearchQuery(`insuree_policy ip
		JOIN insuree i ON i.id = ip.insuree_id
		LEFT JOIN family f ON f.id = i.family_id
		JOIN policy p ON p.id = ip.policy_id`, insureePolicyCols)
	if f.InsureeUUID != nil {
		q.Eq("i.uuid", *f.InsureeUUID)
	}
	if f.PolicyUUID != nil {
		q.Eq("p.uuid", *f.PolicyUUID)
	}
	if f.ActiveOnly {
		q.Add("ip.validity_to IS NULL")
	}
	if err := locationFilters(q, r.levels, insureeVillage, f.ParentLocation, f.ParentLocationLevel, f.Districts); err != nil {
		return nil, 0, err
	}
	q.OrderBy("ip.start_date DESC NULLS LAST, ip.id")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(limit, offset), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var links []*InsureePolicy
	for rows.Next() {
		var ip InsureePolicy
		if err := rows.Scan(&ip.ID, &ip.InsureeID, &ip.PolicyID, &ip.EnrollmentDate, &ip.StartDate, &ip.EffectiveDate,
			&ip.ExpiryDate, &ip.Offline, &ip.ValidityFrom, &ip.ValidityTo, &ip.AuditUserID); err != nil {
			return nil, 0, err
		}
		links = append(links, &ip)
	}
	return links, total, rows.Err()
}

func (r *policyRepoPG) EndInsureePolicies(ctx context.Context, insureeIDs []int, at time.Time, auditUserID int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE insuree_policy SET expiry_date = $2, audit_user_id = $3
		WHERE insuree_id = ANY($1) AND validity_to IS NULL
		  AND (expiry_date IS NULL OR expiry_date > $2)`, insureeIDs, at, auditUserID)
	return err
}

func (r *policyRepoPG) CreateRenewalDetail(ctx context.Context, d *PolicyRenewalDetail) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO policy_renewal_detail (policy_renewal_id, insuree_id, validity_from, audit_user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (policy_renewal_id, insuree_id) DO NOTHING
		RETURNING id`, d.PolicyRenewalID, d.InsureeID, d.ValidityFrom, d.AuditUserID).Scan(&d.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *policyRepoPG) RenewalFamily(ctx context.Context, renewalID int) (int, error) {
	var familyID int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT p.family_id FROM policy_renewal pr
		JOIN policy p ON p.id = pr.policy_id
		WHERE pr.id = $1 AND pr.validity_to IS NULL`, renewalID).Scan(&familyID)
	return familyID, notFound(err)
}

// -- Location Repository --

type locationRepoPG struct {
	pool *pgxpool.Pool
}

func NewLocationRepo(pool *pgxpool.Pool) LocationRepository {
	return &locationRepoPG{pool: pool}
}

func (r *locationRepoPG) GetByUUID(ctx context.Context, id uuid.UUID) (*Location, error) {
	var l Location
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT id, uuid, code, name, type, parent_id FROM location WHERE uuid = $1 AND validity_to IS NULL`, id,
	).Scan(&l.ID, &l.UUID, &l.Code, &l.Name, &l.Type, &l.ParentID)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

// -- Lookup Repository --

type lookupTable struct {
	table string
	key   string
	label string
}

var lookupTables = map[LookupKind]lookupTable{
	LookupGender:             {"gender", "code", "gender"},
	LookupEducation:          {"education", "id::text", "education"},
	LookupProfession:         {"profession", "id::text", "profession"},
	LookupRelation:           {"relation", "id::text", "relation"},
	LookupFamilyType:         {"family_type", "code", "type"},
	LookupConfirmationType:   {"confirmation_type", "code", "confirmation_type"},
	LookupIdentificationType: {"identification_type", "code", "identification_type"},
}

type lookupRepoPG struct {
	pool *pgxpool.Pool
}

func NewLookupRepo(pool *pgxpool.Pool) LookupRepository {
	return &lookupRepoPG{pool: pool}
}

func (r *lookupRepoPG) List(ctx context.Context, kind LookupKind) ([]Lookup, error) {
	t, ok := lookupTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown lookup %q: %w", kind, ErrNotFound)
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, fmt.Sprintf(
		`SELECT %s, %s, alt_language, sort_order FROM %s ORDER BY sort_order NULLS LAST, %s`,
		t.key, t.label, t.table, t.key))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Lookup{}
	for rows.Next() {
		var l Lookup
		if err := rows.Scan(&l.Code, &l.Label, &l.AltLanguage, &l.SortOrder); err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// -- Mutation Repository --

type mutationRepoPG struct {
	pool *pgxpool.Pool
}

func NewMutationRepo(pool *pgxpool.Pool) MutationRepository {
	return &mutationRepoPG{pool: pool}
}

func (r *mutationRepoPG) conn(ctx context.Context) querier {
	return connFor(ctx, r.pool)
}

func (r *mutationRepoPG) Create(ctx context.Context, m *MutationLog) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO mutation_log (id, client_mutation_id, label, status, user_id, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.ClientMutationID, m.Label, m.Status, m.UserID, m.RequestedAt)
	return err
}

func (r *mutationRepoPG) Finish(ctx context.Context, id uuid.UUID, status int, errMsg *string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE mutation_log SET status = $2, error = $3 WHERE id = $1`, id, status, errMsg)
	return err
}

func (r *mutationRepoPG) LinkInsurees(ctx context.Context, mutationID uuid.UUID, insureeIDs []int) error {
	if len(insureeIDs) == 0 {
		return nil
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insuree_mutation (insuree_id, mutation_id)
		SELECT unnest($2::int[]), $1::uuid
		ON CONFLICT DO NOTHING`, mutationID, insureeIDs)
	return err
}

func (r *mutationRepoPG) LinkFamilies(ctx context.Context, mutationID uuid.UUID, familyIDs []int) error {
	if len(familyIDs) == 0 {
		return nil
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO family_mutation (family_id, mutation_id)
		SELECT unnest($2::int[]), $1::uuid
		ON CONFLICT DO NOTHING`, mutationID, familyIDs)
	return err
}
