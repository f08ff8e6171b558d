//go:build integration

package integration

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imis/insuree/internal/domain/insuree"
	"github.com/imis/insuree/internal/insureenumber"
	"github.com/imis/insuree/internal/platform/db"
	"github.com/imis/insuree/migrations"
)

var pngPhoto = base64.StdEncoding.EncodeToString(append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...))

func TestMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t, "mig")

	migrator := db.NewMigrator(globalDB.Pool, migrations.FS)
	applied, err := migrator.Up(ctx, db.SchemaName(tenantID))
	require.NoError(t, err)
	assert.Zero(t, applied, "second run should apply nothing")

	status, err := migrator.Status(ctx, db.SchemaName(tenantID))
	require.NoError(t, err)
	require.Len(t, status, 4)
	for _, s := range status {
		assert.True(t, s.Applied, "migration %s", s.Name)
	}
}

func TestFamily_CreateAndHistory(t *testing.T) {
	tenantID := newTenant(t, "fam")
	svc := newService(t, globalDB.Pool)

	err := withTenantConn(context.Background(), globalDB.Pool, tenantID, func(ctx context.Context) error {
		ctx = adminCtx(ctx)
		tree := seedLocations(t, ctx, "KIG")

		f, err := svc.CreateFamily(ctx, &insuree.FamilyInput{
			LocationID:  &tree.Village.ID,
			Address:     strPtr("Plot 12"),
			HeadInsuree: insureeInput("100000001", "Uwase", insuree.NewDate(1985, time.May, 2)),
		}, insuree.Mutation{ClientMutationID: "cm-create"})
		require.NoError(t, err)
		require.NotNil(t, f.HeadInsuree)
		assert.True(t, f.HeadInsuree.Head)
		require.NotNil(t, f.HeadInsuree.FamilyID)
		assert.Equal(t, f.ID, *f.HeadInsuree.FamilyID)

		// Lookup through the mutation log link.
		found, total, err := svc.SearchFamilies(ctx, insuree.FamilyFilter{ClientMutationID: "cm-create"}, 10, 0)
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, f.UUID, found[0].UUID)
		require.NotNil(t, found[0].HeadInsuree)
		assert.Equal(t, "100000001", found[0].HeadInsuree.CHFID)

		updated, err := svc.UpdateFamily(ctx, f.UUID, &insuree.FamilyInput{
			LocationID: &tree.Village.ID,
			Address:    strPtr("Plot 14"),
		}, insuree.Mutation{})
		require.NoError(t, err)
		assert.Equal(t, "Plot 14", *updated.Address)

		live, total, err := svc.SearchFamilies(ctx, insuree.FamilyFilter{UUID: &f.UUID}, 10, 0)
		require.NoError(t, err)
		require.Equal(t, 1, total, "uuid lookup returns the live row only")
		assert.Nil(t, live[0].ValidityTo)

		var historyRows int
		err = db.ConnFromContext(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM family WHERE legacy_id = $1 AND validity_to IS NOT NULL`, f.ID).Scan(&historyRows)
		require.NoError(t, err)
		assert.Equal(t, 1, historyRows)

		var oldAddress string
		err = db.ConnFromContext(ctx).QueryRow(ctx,
			`SELECT address FROM family WHERE legacy_id = $1`, f.ID).Scan(&oldAddress)
		require.NoError(t, err)
		assert.Equal(t, "Plot 12", oldAddress)
		return nil
	})
	require.NoError(t, err)
}

func TestInsuree_NumberTakenAndDelete(t *testing.T) {
	tenantID := newTenant(t, "num")
	svc := newService(t, globalDB.Pool)

	err := withTenantConn(context.Background(), globalDB.Pool, tenantID, func(ctx context.Context) error {
		ctx = adminCtx(ctx)
		f, err := svc.CreateFamily(ctx, &insuree.FamilyInput{
			HeadInsuree: insureeInput("100000001", "Mugisha", insuree.NewDate(1979, time.January, 9)),
		}, insuree.Mutation{})
		require.NoError(t, err)

		member := insureeInput("100000002", "Mugisha", insuree.NewDate(2010, time.August, 30))
		member.FamilyID = &f.ID
		ins, err := svc.CreateInsuree(ctx, member, insuree.Mutation{})
		require.NoError(t, err)

		dup := insureeInput("100000002", "Other", insuree.NewDate(1990, time.January, 1))
		dup.FamilyID = &f.ID
		_, err = svc.CreateInsuree(ctx, dup, insuree.Mutation{ClientMutationID: "cm-dup"})
		var verr *insuree.ValidationError
		require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)

		var status int
		var msg *string
		err = db.ConnFromContext(ctx).QueryRow(ctx,
			`SELECT status, error FROM mutation_log WHERE client_mutation_id = 'cm-dup'`).Scan(&status, &msg)
		require.NoError(t, err)
		assert.Equal(t, insuree.MutationError, status)
		require.NotNil(t, msg)

		require.NoError(t, svc.DeleteInsurees(ctx, f.UUID, []uuid.UUID{ins.UUID}, insuree.Mutation{}))

		members, err := svc.FamilyMembers(ctx, f.UUID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.True(t, members[0].Head)

		history, total, err := svc.SearchInsurees(ctx, insuree.InsureeFilter{CHFID: "100000002", ShowHistory: true}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.NotNil(t, history[0].ValidityTo)

		// The number is free again once the holder is deleted.
		again := insureeInput("100000002", "Mugisha", insuree.NewDate(2011, time.March, 3))
		again.FamilyID = &f.ID
		_, err = svc.CreateInsuree(ctx, again, insuree.Mutation{})
		require.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestInsuree_UniqueLiveNumber(t *testing.T) {
	tenantID := newTenant(t, "uniq")
	repos := newRepos(globalDB.Pool, 4)
	// No registry: only the unique index stops the second holder.
	numbers, err := insureenumber.New(insureenumber.Config{Length: 9}, nil)
	require.NoError(t, err)
	svc := insuree.NewService(repos, db.NewTransactor(globalDB.Pool), numbers, insuree.DefaultOptions())

	err = withTenantConn(context.Background(), globalDB.Pool, tenantID, func(ctx context.Context) error {
		ctx = adminCtx(ctx)
		f, err := svc.CreateFamily(ctx, &insuree.FamilyInput{
			HeadInsuree: insureeInput("500000001", "Habimana", insuree.NewDate(1982, time.April, 4)),
		}, insuree.Mutation{})
		require.NoError(t, err)

		raw := &insuree.Insuree{CHFID: "500000001", LastName: "Raw", OtherNames: "Row",
			DOB: insuree.NewDate(1990, time.May, 5), Status: insuree.StatusActive}
		err = repos.Insurees.Create(ctx, raw)
		assert.ErrorIs(t, err, insuree.ErrNumberTaken)

		dup := insureeInput("500000001", "Twin", insuree.NewDate(1991, time.June, 6))
		dup.FamilyID = &f.ID
		_, err = svc.CreateInsuree(ctx, dup, insuree.Mutation{})
		var verr *insuree.ValidationError
		require.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
		require.Len(t, verr.NumberErrors, 1)
		assert.Equal(t, insureenumber.CodeTaken, verr.NumberErrors[0].Code)

		var live int
		require.NoError(t, db.ConnFromContext(ctx).QueryRow(ctx,
			`SELECT count(*) FROM insuree WHERE chf_id = '500000001' AND validity_to IS NULL`).Scan(&live))
		assert.Equal(t, 1, live)
		return nil
	})
	require.NoError(t, err)
}

func TestSearch_LocationAndRowSecurity(t *testing.T) {
	tenantID := newTenant(t, "loc")
	svc := newService(t, globalDB.Pool)

	err := withTenantConn(context.Background(), globalDB.Pool, tenantID, func(ctx context.Context) error {
		admin := adminCtx(ctx)
		north := seedLocations(t, ctx, "NOR")
		south := seedLocations(t, ctx, "SOU")

		northFamily, err := svc.CreateFamily(admin, &insuree.FamilyInput{
			LocationID:  &north.Village.ID,
			HeadInsuree: insureeInput("200000001", "Nkusi", insuree.NewDate(1970, time.March, 3)),
		}, insuree.Mutation{})
		require.NoError(t, err)
		_, err = svc.CreateFamily(admin, &insuree.FamilyInput{
			LocationID:  &south.Village.ID,
			HeadInsuree: insureeInput("200000002", "Ingabire", insuree.NewDate(1972, time.April, 4)),
		}, insuree.Mutation{})
		require.NoError(t, err)

		regionLevel := 0
		insurees, total, err := svc.SearchInsurees(admin, insuree.InsureeFilter{
			ParentLocation:      &north.Region.UUID,
			ParentLocationLevel: &regionLevel,
		}, 10, 0)
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, "200000001", insurees[0].CHFID)

		wardLevel := 2
		families, total, err := svc.SearchFamilies(admin, insuree.FamilyFilter{
			ParentLocation:      &south.Ward.UUID,
			ParentLocationLevel: &wardLevel,
		}, 10, 0)
		require.NoError(t, err)
		require.Equal(t, 1, total)
		require.NotNil(t, families[0].HeadInsuree)
		assert.Equal(t, "200000002", families[0].HeadInsuree.CHFID)

		officer := officerCtx(ctx, []int{south.District.ID})
		insurees, total, err = svc.SearchInsurees(officer, insuree.InsureeFilter{}, 10, 0)
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, "200000002", insurees[0].CHFID)

		_, err = svc.CanAddInsuree(officer, northFamily.ID)
		assert.ErrorIs(t, err, insuree.ErrNotFound)
		_, err = svc.PhotosDueForRenewal(officer, northFamily.ID, time.Now().UTC())
		assert.ErrorIs(t, err, insuree.ErrNotFound)
		intruder := insureeInput("200000003", "Nkusi", insuree.NewDate(2001, time.May, 5))
		intruder.FamilyID = &northFamily.ID
		_, err = svc.CreateInsuree(officer, intruder, insuree.Mutation{})
		assert.ErrorIs(t, err, insuree.ErrNotFound)

		nowhere := officerCtx(ctx, nil)
		_, total, err = svc.SearchInsurees(nowhere, insuree.InsureeFilter{}, 10, 0)
		require.NoError(t, err)
		assert.Zero(t, total)

		missing := uuid.New()
		_, _, err = svc.SearchInsurees(admin, insuree.InsureeFilter{ParentLocation: &missing, ParentLocationLevel: &regionLevel}, 10, 0)
		var verr *insuree.ValidationError
		assert.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
		return nil
	})
	require.NoError(t, err)
}

func TestPolicies_CanAddAndRemove(t *testing.T) {
	tenantID := newTenant(t, "pol")
	svc := newService(t, globalDB.Pool)

	err := withTenantConn(context.Background(), globalDB.Pool, tenantID, func(ctx context.Context) error {
		ctx = adminCtx(ctx)
		f, err := svc.CreateFamily(ctx, &insuree.FamilyInput{
			HeadInsuree: insureeInput("300000001", "Habimana", insuree.NewDate(1982, time.June, 1)),
		}, insuree.Mutation{})
		require.NoError(t, err)

		member := insureeInput("300000002", "Habimana", insuree.NewDate(2012, time.July, 7))
		member.FamilyID = &f.ID
		child, err := svc.CreateInsuree(ctx, member, insuree.Mutation{})
		require.NoError(t, err)

		seedPolicy(t, ctx, f.ID, 2, f.HeadInsureeID, child.ID)

		warnings, err := svc.CanAddInsuree(ctx, f.ID)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "maximum of 2 members")

		require.NoError(t, svc.RemoveInsurees(ctx, f.UUID, []uuid.UUID{child.UUID}, true, insuree.Mutation{}))

		moved, err := svc.GetInsuree(ctx, child.UUID)
		require.NoError(t, err)
		assert.Nil(t, moved.FamilyID)

		links, _, err := svc.InsureePolicies(ctx, insuree.InsureePolicyFilter{InsureeUUID: &child.UUID, ActiveOnly: true}, 10, 0)
		require.NoError(t, err)
		require.Len(t, links, 1)
		require.NotNil(t, links[0].ExpiryDate)
		assert.False(t, links[0].ExpiryDate.After(time.Now().UTC()), "policy link should be ended")

		warnings, err = svc.CanAddInsuree(ctx, f.ID)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		return nil
	})
	require.NoError(t, err)
}

func TestRenewalDetails_Idempotent(t *testing.T) {
	tenantID := newTenant(t, "ren")
	svc := newService(t, globalDB.Pool)

	err := withTenantConn(context.Background(), globalDB.Pool, tenantID, func(ctx context.Context) error {
		ctx = adminCtx(ctx)
		oldPhoto := insuree.NewDate(2015, time.January, 10)
		head := insureeInput("400000001", "Mukamana", insuree.NewDate(1975, time.February, 2))
		head.Photo = &insuree.PhotoInput{Photo: pngPhoto, Date: &oldPhoto}
		f, err := svc.CreateFamily(ctx, &insuree.FamilyInput{HeadInsuree: head}, insuree.Mutation{})
		require.NoError(t, err)

		policyID := seedPolicy(t, ctx, f.ID, 5, f.HeadInsureeID)
		var renewalID int
		err = db.ConnFromContext(ctx).QueryRow(ctx,
			`INSERT INTO policy_renewal (policy_id, renewal_date) VALUES ($1, CURRENT_DATE) RETURNING id`,
			policyID).Scan(&renewalID)
		require.NoError(t, err)

		due, err := svc.PhotosDueForRenewal(ctx, f.ID, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, due, 1)

		created, err := svc.CreateRenewalDetails(ctx, renewalID, f.ID, insuree.Mutation{})
		require.NoError(t, err)
		assert.Equal(t, 1, created)

		created, err = svc.CreateRenewalDetails(ctx, renewalID, f.ID, insuree.Mutation{})
		require.NoError(t, err)
		assert.Zero(t, created)

		other, err := svc.CreateFamily(ctx, &insuree.FamilyInput{
			HeadInsuree: insureeInput("400000002", "Ingabire", insuree.NewDate(1980, time.March, 3)),
		}, insuree.Mutation{})
		require.NoError(t, err)
		_, err = svc.CreateRenewalDetails(ctx, renewalID, other.ID, insuree.Mutation{})
		var verr *insuree.ValidationError
		assert.True(t, errors.As(err, &verr), "expected renewal of another family rejected, got %v", err)

		photo, mime, err := svc.InsureePhoto(ctx, f.HeadInsuree.UUID)
		require.NoError(t, err)
		assert.Equal(t, "image/png", mime)
		assert.NotEmpty(t, photo)
		return nil
	})
	require.NoError(t, err)
}

func TestLookups_Seeded(t *testing.T) {
	tenantID := newTenant(t, "lkp")
	svc := newService(t, globalDB.Pool)

	err := withTenantConn(context.Background(), globalDB.Pool, tenantID, func(ctx context.Context) error {
		genders, err := svc.Lookups(ctx, insuree.LookupGender)
		require.NoError(t, err)
		require.Len(t, genders, 3)
		assert.Equal(t, "M", genders[0].Code)

		relations, err := svc.Lookups(ctx, insuree.LookupRelation)
		require.NoError(t, err)
		assert.Len(t, relations, 8)
		return nil
	})
	require.NoError(t, err)
}
