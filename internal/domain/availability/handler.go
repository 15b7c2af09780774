package availability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medbook/medbook/internal/platform/auth"
	"github.com/medbook/medbook/pkg/pagination"
)

type Handler struct {
	svc      *Service
	calendar *Calendar
}

func NewHandler(svc *Service, calendar *Calendar) *Handler {
	return &Handler{svc: svc, calendar: calendar}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctors := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctors.POST("/unavailability/check-conflicts", h.CheckBlockConflicts)
	doctors.POST("/unavailability", h.BlockRange)
	doctors.GET("/unavailability", h.ListUnavailability)
	doctors.DELETE("/unavailability/:id", h.Unblock)
	doctors.GET("/working-hours", h.GetWorkingHours)
	doctors.PUT("/working-hours", h.SetWorkingHours)
	doctors.GET("/doctors/:doctor_id/calendar", h.GetCalendar)
	doctors.PUT("/appointments/:id/status", h.UpdateAppointmentStatus)
	doctors.GET("/doctor/appointments", h.ListDoctorAppointments)

	patients := api.Group("", auth.RequireRole(auth.RolePatient))
	patients.POST("/appointments/check", h.CheckBookingConflicts)
	patients.POST("/appointments", h.BookAppointment)
	patients.GET("/appointments", h.ListAppointments)

	participants := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	participants.GET("/appointments/:id", h.GetAppointment)
	participants.PUT("/appointments/:id/cancel", h.CancelAppointment)
	participants.GET("/appointments/:id/history", h.AppointmentHistory)
	participants.GET("/doctors/:doctor_id/slots", h.AvailableSlots)
	participants.GET("/appointments/stats", h.AppointmentStats)
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return p, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return p, nil
}

// actingDoctor is the caller for doctors. Admins name the doctor with the
// doctor_id query parameter.
func actingDoctor(c echo.Context) (uuid.UUID, error) {
	p, err := principal(c)
	if err != nil {
		return uuid.Nil, err
	}
	if p.Role == auth.RoleAdmin {
		id, err := uuid.Parse(c.QueryParam("doctor_id"))
		if err != nil {
			return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "doctor_id query parameter is required for admins")
		}
		return id, nil
	}
	return p.UserID, nil
}

// actingPatient is the caller for patients. Admins name the patient with the
// patient_id query parameter.
func actingPatient(c echo.Context) (uuid.UUID, error) {
	p, err := principal(c)
	if err != nil {
		return uuid.Nil, err
	}
	if p.Role == auth.RoleAdmin {
		id, err := uuid.Parse(c.QueryParam("patient_id"))
		if err != nil {
			return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required for admins")
		}
		return id, nil
	}
	return p.UserID, nil
}

// actingParticipant is the caller and the side of an appointment they take
// part on. Admins act as the doctor or patient named in the query.
func actingParticipant(c echo.Context) (uuid.UUID, Party, error) {
	p, err := principal(c)
	if err != nil {
		return uuid.Nil, 0, err
	}
	switch p.Role {
	case auth.RoleDoctor:
		return p.UserID, PartyDoctor, nil
	case auth.RoleAdmin:
		if c.QueryParam("doctor_id") != "" {
			id, err := actingDoctor(c)
			return id, PartyDoctor, err
		}
		id, err := actingPatient(c)
		return id, PartyPatient, err
	}
	return p.UserID, PartyPatient, nil
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError maps domain errors to HTTP responses. Conflict errors carry the
// rendered conflicts so callers can show them without further lookups.
func httpError(err error) error {
	var (
		invalid    *InvalidRangeError
		validation *ValidationError
		slot       *SlotUnavailableError
		conflict   *ConflictError
		concurrent *ConcurrentConflictError
		notFound   *NotFoundError
		transition *StatusTransitionError
		httpErr    *echo.HTTPError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.As(err, &invalid), errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &slot):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error":     "slot_unavailable",
			"message":   "The requested time is not available.",
			"conflicts": Views(slot.Conflicts),
		})
	case errors.As(err, &conflict):
		views := Views(conflict.Conflicts)
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error":                 "conflict",
			"warning":               conflict.Warning(),
			"existing_appointments": views,
			"conflicts":             views,
		})
	case errors.As(err, &concurrent):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error":     "concurrent_conflict",
			"message":   "The calendar changed before the request was committed. Check again.",
			"retry":     false,
			"conflicts": Views(concurrent.Conflicts),
		})
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &transition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotParticipant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

// -- Unavailability --

type spanRequest struct {
	StartDate Date      `json:"start_date"`
	EndDate   Date      `json:"end_date"`
	StartTime TimeOfDay `json:"start_time"`
	EndTime   TimeOfDay `json:"end_time"`
	Reason    *string   `json:"reason"`
	Force     bool      `json:"force_block"`
}

func (r spanRequest) span() (DaySpan, error) {
	end := r.EndDate
	if end.IsZero() {
		end = r.StartDate
	}
	return ExpandDateSpan(r.StartDate, end, r.StartTime, r.EndTime)
}

func (h *Handler) CheckBlockConflicts(c echo.Context) error {
	doctorID, err := actingDoctor(c)
	if err != nil {
		return err
	}
	var req spanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	span, err := req.span()
	if err != nil {
		return httpError(err)
	}
	report, err := h.svc.CheckConflicts(c.Request().Context(), doctorID, span, PurposeBlocking)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"has_conflicts":            report.HasConflicts,
		"conflicting_appointments": report.Conflicts,
	})
}

func (h *Handler) BlockRange(c echo.Context) error {
	doctorID, err := actingDoctor(c)
	if err != nil {
		return err
	}
	var req spanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	span, err := req.span()
	if err != nil {
		return httpError(err)
	}
	blocks, err := h.svc.BlockRange(c.Request().Context(), BlockRequest{
		DoctorID: doctorID,
		Span:     span,
		Reason:   req.Reason,
		Force:    req.Force,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"blocks": blocks})
}

func parseWindow(c echo.Context) (Window, error) {
	from, err := ParseDate(c.QueryParam("from"))
	if err != nil {
		return Window{}, echo.NewHTTPError(http.StatusBadRequest, "from: "+err.Error())
	}
	to, err := ParseDate(c.QueryParam("to"))
	if err != nil {
		return Window{}, echo.NewHTTPError(http.StatusBadRequest, "to: "+err.Error())
	}
	return Window{From: from, To: to}, nil
}

func (h *Handler) ListUnavailability(c echo.Context) error {
	doctorID, err := actingDoctor(c)
	if err != nil {
		return err
	}
	w, err := parseWindow(c)
	if err != nil {
		return err
	}
	blocks, err := h.svc.ListUnavailability(c.Request().Context(), doctorID, w)
	if err != nil {
		return httpError(err)
	}
	if blocks == nil {
		blocks = []*UnavailabilityBlock{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": blocks})
}

func (h *Handler) Unblock(c echo.Context) error {
	doctorID, err := actingDoctor(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Unblock(c.Request().Context(), doctorID, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Working hours --

type workingHoursRequest struct {
	Hours []struct {
		Weekday   int       `json:"weekday"`
		StartTime TimeOfDay `json:"start_time"`
		EndTime   TimeOfDay `json:"end_time"`
	} `json:"hours"`
}

func (h *Handler) SetWorkingHours(c echo.Context) error {
	doctorID, err := actingDoctor(c)
	if err != nil {
		return err
	}
	var req workingHoursRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hours := make([]*WorkingHours, 0, len(req.Hours))
	for _, wh := range req.Hours {
		hours = append(hours, &WorkingHours{
			DoctorID:  doctorID,
			Weekday:   time.Weekday(wh.Weekday),
			StartTime: wh.StartTime,
			EndTime:   wh.EndTime,
		})
	}
	if err := h.svc.SetWorkingHours(c.Request().Context(), doctorID, hours); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hours": hours})
}

func (h *Handler) GetWorkingHours(c echo.Context) error {
	doctorID, err := actingDoctor(c)
	if err != nil {
		return err
	}
	hours, err := h.svc.ListWorkingHours(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hours": hours})
}

// -- Calendar --

func (h *Handler) GetCalendar(c echo.Context) error {
	doctorID, err := parseID(c, "doctor_id")
	if err != nil {
		return err
	}
	p, err := principal(c)
	if err != nil {
		return err
	}
	if p.Role != auth.RoleAdmin && p.UserID != doctorID {
		return echo.NewHTTPError(http.StatusForbidden, "doctors can only view their own calendar")
	}

	ctx := c.Request().Context()
	var view *CalendarView
	if c.QueryParam("from") != "" || c.QueryParam("to") != "" {
		w, err := parseWindow(c)
		if err != nil {
			return err
		}
		view, err = h.calendar.RangeView(ctx, doctorID, w)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, view)
	}

	now := time.Now()
	year, month := now.Year(), int(now.Month())
	if y := c.QueryParam("year"); y != "" {
		if year, err = strconv.Atoi(y); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid year")
		}
	}
	if m := c.QueryParam("month"); m != "" {
		if month, err = strconv.Atoi(m); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid month")
		}
	}
	view, err = h.calendar.MonthView(ctx, doctorID, year, time.Month(month))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	doctorID, err := parseID(c, "doctor_id")
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	slots, err := h.calendar.AvailableSlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id": doctorID,
		"date":      date,
		"slots":     slots,
	})
}

// -- Appointments --

type bookingRequest struct {
	DoctorID        uuid.UUID  `json:"doctor_id"`
	Date            Date       `json:"date"`
	Time            TimeOfDay  `json:"time"`
	EndTime         *TimeOfDay `json:"end_time"`
	DurationMinutes int        `json:"duration_minutes"`
	Reason          string     `json:"reason"`
	Notes           *string    `json:"notes"`
}

func (r bookingRequest) timeRange() TimeRange {
	end := r.Time.Add(DefaultDurationMinutes)
	switch {
	case r.EndTime != nil:
		end = *r.EndTime
	case r.DurationMinutes > 0:
		end = r.Time.Add(r.DurationMinutes)
	}
	return TimeRange{Date: r.Date, Start: r.Time, End: end}
}

func (h *Handler) CheckBookingConflicts(c echo.Context) error {
	var req bookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r := req.timeRange()
	span, err := ExpandDateSpan(r.Date, r.Date, r.Start, r.End)
	if err != nil {
		return httpError(err)
	}
	report, err := h.svc.CheckConflicts(c.Request().Context(), req.DoctorID, span, PurposeBooking)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) BookAppointment(c echo.Context) error {
	patientID, err := actingPatient(c)
	if err != nil {
		return err
	}
	var req bookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.BookAppointment(c.Request().Context(), BookingRequest{
		DoctorID:  req.DoctorID,
		PatientID: patientID,
		Range:     req.timeRange(),
		Reason:    req.Reason,
		Notes:     req.Notes,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	patientID, err := actingPatient(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatientAppointments(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	actorID, _, err := actingParticipant(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id, actorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	actorID, _, err := actingParticipant(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if _, err := h.svc.CancelAppointment(c.Request().Context(), CancelRequest{
		AppointmentID: id,
		ActorID:       actorID,
		Reason:        req.Reason,
	}); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type statusRequest struct {
	Status Status  `json:"status"`
	Notes  *string `json:"notes"`
	Reason string  `json:"reason"`
}

func (h *Handler) UpdateAppointmentStatus(c echo.Context) error {
	doctorID, err := actingDoctor(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.UpdateAppointmentStatus(c.Request().Context(), StatusRequest{
		AppointmentID: id,
		DoctorID:      doctorID,
		Status:        req.Status,
		Notes:         req.Notes,
		Reason:        req.Reason,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) AppointmentHistory(c echo.Context) error {
	actorID, _, err := actingParticipant(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	entries, err := h.svc.AppointmentHistory(c.Request().Context(), id, actorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": entries})
}

func (h *Handler) ListDoctorAppointments(c echo.Context) error {
	doctorID, err := actingDoctor(c)
	if err != nil {
		return err
	}
	var f AppointmentFilter
	if v := c.QueryParam("date_from"); v != "" {
		if f.From, err = ParseDate(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date_from: "+err.Error())
		}
	}
	if v := c.QueryParam("date_to"); v != "" {
		if f.To, err = ParseDate(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date_to: "+err.Error())
		}
	}
	f.Status = Status(c.QueryParam("status"))

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDoctorAppointments(c.Request().Context(), doctorID, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) AppointmentStats(c echo.Context) error {
	personID, party, err := actingParticipant(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.AppointmentStats(c.Request().Context(), party, personID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
