package insuree

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/imis/insuree/internal/insureenumber"
	"github.com/imis/insuree/internal/platform/auth"
	"github.com/imis/insuree/internal/platform/middleware"
	"github.com/imis/insuree/pkg/pagination"
)

// ClientMutationLabelHeader carries a human readable label for the mutation
// log, next to middleware.ClientMutationIDHeader.
const ClientMutationLabelHeader = "X-Client-Mutation-Label"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.ReadRoles...))
	readGroup.GET("/insurees", h.SearchInsurees)
	readGroup.GET("/insurees/:id", h.GetInsuree)
	readGroup.GET("/insurees/:id/policies", h.GetInsureePolicies)
	readGroup.GET("/insuree-number-validity", h.NumberValidity)
	readGroup.GET("/insuree-policies", h.SearchInsureePolicies)
	readGroup.GET("/families", h.SearchFamilies)
	readGroup.GET("/families/:id", h.GetFamily)
	readGroup.GET("/families/:id/members", h.FamilyMembers)
	readGroup.GET("/families/:id/can-add-insuree", h.CanAddInsuree)
	readGroup.GET("/families/:id/photos-due", h.PhotosDue)
	for _, kind := range LookupKinds {
		readGroup.GET("/"+string(kind), h.lookupHandler(kind))
	}

	photoGroup := api.Group("", auth.RequireRole(auth.PhotoReadRoles...))
	photoGroup.GET("/insurees/:id/photo", h.GetInsureePhoto)

	writeGroup := api.Group("", auth.RequireRole(auth.WriteRoles...))
	writeGroup.POST("/insurees", h.CreateInsuree)
	writeGroup.PUT("/insurees/:id", h.UpdateInsuree)
	writeGroup.POST("/families", h.CreateFamily)
	writeGroup.PUT("/families/:id", h.UpdateFamily)
	writeGroup.POST("/families/:id/insurees/remove", h.RemoveInsurees)
	writeGroup.POST("/families/:id/head", h.SetFamilyHead)
	writeGroup.POST("/families/:id/insurees/:insuree_id/move", h.ChangeInsureeFamily)
	writeGroup.POST("/families/:id/renewals/:renewal_id/photo-details", h.CreateRenewalDetails)

	deleteGroup := api.Group("", auth.RequireRole(auth.DeleteRoles...))
	deleteGroup.POST("/families/delete", h.DeleteFamilies)
	deleteGroup.POST("/families/:id/insurees/delete", h.DeleteInsurees)
}

// -- Insurees --

func (h *Handler) SearchInsurees(c echo.Context) error {
	f, err := insureeFilterFromQuery(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	insurees, total, err := h.svc.SearchInsurees(ctx, f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	if c.QueryParam("include") == "family" {
		if err := h.svc.AttachFamilies(ctx, insurees); err != nil {
			return h.fail(c, err)
		}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(insurees, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetInsuree(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	ins, err := h.svc.GetInsuree(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ins)
}

func (h *Handler) CreateInsuree(c echo.Context) error {
	var in InsureeInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ins, err := h.svc.CreateInsuree(c.Request().Context(), &in, mutationFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, ins)
}

func (h *Handler) UpdateInsuree(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var in InsureeInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ins, err := h.svc.UpdateInsuree(c.Request().Context(), id, &in, mutationFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ins)
}

func (h *Handler) GetInsureePhoto(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	content, contentType, err := h.svc.InsureePhoto(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Blob(http.StatusOK, contentType, content)
}

func (h *Handler) GetInsureePolicies(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := InsureePolicyFilter{InsureeUUID: &id, ActiveOnly: c.QueryParam("show_history") != "true"}
	links, total, err := h.svc.InsureePolicies(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(links, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) SearchInsureePolicies(c echo.Context) error {
	var f InsureePolicyFilter
	var err error
	if f.InsureeUUID, err = optUUID(c, "insuree_uuid"); err != nil {
		return err
	}
	if f.PolicyUUID, err = optUUID(c, "policy_uuid"); err != nil {
		return err
	}
	if f.ParentLocation, f.ParentLocationLevel, err = parentLocation(c); err != nil {
		return err
	}
	f.ActiveOnly = c.QueryParam("show_history") != "true"

	pg := pagination.FromContext(c)
	links, total, err := h.svc.InsureePolicies(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(links, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) NumberValidity(c echo.Context) error {
	if !c.QueryParams().Has("insuree_number") {
		return echo.NewHTTPError(http.StatusBadRequest, "insuree_number is required")
	}
	valid, errs := h.svc.NumberValidity(c.Request().Context(), c.QueryParam("insuree_number"))
	if errs == nil {
		errs = []insureenumber.Error{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":  valid,
		"errors": errs,
	})
}

// -- Families --

func (h *Handler) SearchFamilies(c echo.Context) error {
	f, err := familyFilterFromQuery(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	families, total, err := h.svc.SearchFamilies(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(families, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetFamily(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	f, err := h.svc.GetFamily(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) CreateFamily(c echo.Context) error {
	var in FamilyInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := h.svc.CreateFamily(c.Request().Context(), &in, mutationFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) UpdateFamily(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var in FamilyInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f, err := h.svc.UpdateFamily(c.Request().Context(), id, &in, mutationFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

type deleteFamiliesRequest struct {
	UUIDs         []uuid.UUID `json:"uuids"`
	DeleteMembers bool        `json:"delete_members"`
}

func (h *Handler) DeleteFamilies(c echo.Context) error {
	var req deleteFamiliesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.DeleteFamilies(c.Request().Context(), req.UUIDs, req.DeleteMembers, mutationFrom(c)); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) FamilyMembers(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	members, err := h.svc.FamilyMembers(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	if c.QueryParam("with_photo") == "true" && auth.HasRole(ctx, auth.PhotoReadRoles...) {
		if err := h.svc.LoadPhotos(ctx, members); err != nil {
			return h.fail(c, err)
		}
	}
	if members == nil {
		members = []*Insuree{}
	}
	return c.JSON(http.StatusOK, members)
}

type memberChangeRequest struct {
	UUIDs          []uuid.UUID `json:"uuids"`
	CancelPolicies bool        `json:"cancel_policies"`
}

func (h *Handler) DeleteInsurees(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req memberChangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.DeleteInsurees(c.Request().Context(), id, req.UUIDs, mutationFrom(c)); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RemoveInsurees(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req memberChangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RemoveInsurees(c.Request().Context(), id, req.UUIDs, req.CancelPolicies, mutationFrom(c)); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type setHeadRequest struct {
	InsureeUUID uuid.UUID `json:"insuree_uuid"`
}

func (h *Handler) SetFamilyHead(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req setHeadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.InsureeUUID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "insuree_uuid is required")
	}
	f, err := h.svc.SetFamilyHead(c.Request().Context(), id, req.InsureeUUID, mutationFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

type moveRequest struct {
	CancelPolicies bool `json:"cancel_policies"`
}

func (h *Handler) ChangeInsureeFamily(c echo.Context) error {
	familyID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	insureeID, err := uuidParam(c, "insuree_id")
	if err != nil {
		return err
	}
	var req moveRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	ins, err := h.svc.ChangeInsureeFamily(c.Request().Context(), familyID, insureeID, req.CancelPolicies, mutationFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ins)
}

func (h *Handler) CanAddInsuree(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	warnings, err := h.svc.CanAddInsuree(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"warnings": warnings})
}

func (h *Handler) PhotosDue(c echo.Context) error {
	id, err := intParam(c, "id")
	if err != nil {
		return err
	}
	due, err := h.svc.PhotosDueForRenewal(c.Request().Context(), id, h.svc.now())
	if err != nil {
		return h.fail(c, err)
	}
	if due == nil {
		due = []*Insuree{}
	}
	return c.JSON(http.StatusOK, due)
}

func (h *Handler) CreateRenewalDetails(c echo.Context) error {
	familyID, err := intParam(c, "id")
	if err != nil {
		return err
	}
	renewalID, err := intParam(c, "renewal_id")
	if err != nil {
		return err
	}
	created, err := h.svc.CreateRenewalDetails(c.Request().Context(), renewalID, familyID, mutationFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"created": created})
}

// -- Lookups --

func (h *Handler) lookupHandler(kind LookupKind) echo.HandlerFunc {
	return func(c echo.Context) error {
		items, err := h.svc.Lookups(c.Request().Context(), kind)
		if err != nil {
			return h.fail(c, err)
		}
		return c.JSON(http.StatusOK, items)
	}
}

// -- Helpers --

type errorItem struct {
	Code    *insureenumber.Code `json:"code,omitempty"`
	Message string              `json:"message"`
}

// fail maps service errors to responses. Validation failures are answered
// directly with their error list; the rest become HTTP errors.
func (h *Handler) fail(c echo.Context, err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		items := make([]errorItem, 0, len(verr.NumberErrors)+1)
		for _, ne := range verr.NumberErrors {
			code := ne.Code
			items = append(items, errorItem{Code: &code, Message: ne.Message})
		}
		if len(items) == 0 {
			items = append(items, errorItem{Message: verr.Message})
		}
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"errors": items})
	case errors.Is(err, ErrMissingLevel):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPhotoNotStored):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrFamilyHead), errors.Is(err, ErrNotFamilyMember):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		zerolog.Ctx(c.Request().Context()).Error().Err(err).
			Str("method", c.Request().Method).
			Str("route", c.Path()).
			Msg("request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

func mutationFrom(c echo.Context) Mutation {
	return Mutation{
		ClientMutationID: c.Request().Header.Get(middleware.ClientMutationIDHeader),
		Label:            c.Request().Header.Get(ClientMutationLabelHeader),
	}
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func intParam(c echo.Context, name string) (int, error) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func optUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func optInt(c echo.Context, name string) (*int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &n, nil
}

func optBool(c echo.Context, name string) (*bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &b, nil
}

func optDate(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	d, err := ParseDate(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": "+err.Error())
	}
	return &d.Time, nil
}

func parentLocation(c echo.Context) (*uuid.UUID, *int, error) {
	parent, err := optUUID(c, "parent_location")
	if err != nil {
		return nil, nil, err
	}
	level, err := optInt(c, "parent_location_level")
	if err != nil {
		return nil, nil, err
	}
	return parent, level, nil
}

func insureeFilterFromQuery(c echo.Context) (InsureeFilter, error) {
	f := InsureeFilter{
		CHFID:            c.QueryParam("chf_id"),
		LastName:         c.QueryParam("last_name"),
		OtherNames:       c.QueryParam("other_names"),
		Email:            c.QueryParam("email"),
		Phone:            c.QueryParam("phone"),
		Passport:         c.QueryParam("passport"),
		GenderCode:       c.QueryParam("gender"),
		Marital:          c.QueryParam("marital"),
		Status:           c.QueryParam("status"),
		ShowHistory:      c.QueryParam("show_history") == "true",
		ClientMutationID: c.QueryParam("client_mutation_id"),
	}
	var err error
	if f.Head, err = optBool(c, "head"); err != nil {
		return f, err
	}
	if f.DOBFrom, err = optDate(c, "dob_from"); err != nil {
		return f, err
	}
	if f.DOBTo, err = optDate(c, "dob_to"); err != nil {
		return f, err
	}
	if f.PhotoIsNull, err = optBool(c, "photo_isnull"); err != nil {
		return f, err
	}
	if f.FamilyIsNull, err = optBool(c, "family_isnull"); err != nil {
		return f, err
	}
	if f.FamilyID, err = optInt(c, "family_id"); err != nil {
		return f, err
	}
	if f.ParentLocation, f.ParentLocationLevel, err = parentLocation(c); err != nil {
		return f, err
	}
	return f, nil
}

func familyFilterFromQuery(c echo.Context) (FamilyFilter, error) {
	f := FamilyFilter{
		ConfirmationNo:   c.QueryParam("confirmation_no"),
		Address:          c.QueryParam("address"),
		Ethnicity:        c.QueryParam("ethnicity"),
		HeadCHFID:        c.QueryParam("head_chf_id"),
		HeadLastName:     c.QueryParam("head_last_name"),
		ShowHistory:      c.QueryParam("show_history") == "true",
		ClientMutationID: c.QueryParam("client_mutation_id"),
	}
	var err error
	if f.Poverty, err = optBool(c, "poverty"); err != nil {
		return f, err
	}
	if f.NullAsFalsePoverty, err = optBool(c, "null_as_false_poverty"); err != nil {
		return f, err
	}
	if f.LocationID, err = optInt(c, "location_id"); err != nil {
		return f, err
	}
	if f.OfficerUUID, err = optUUID(c, "officer_uuid"); err != nil {
		return f, err
	}
	if f.ParentLocation, f.ParentLocationLevel, err = parentLocation(c); err != nil {
		return f, err
	}
	return f, nil
}
