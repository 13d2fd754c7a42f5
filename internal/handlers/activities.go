package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/respond"
)

const defaultActivityLimit = 100

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ActivitiesHandler serves queries over the synced Strava activity table.
type ActivitiesHandler struct {
	db  *database.DB
	now func() time.Time
}

// NewActivitiesHandler creates a new activities handler
func NewActivitiesHandler(db *database.DB) *ActivitiesHandler {
	return &ActivitiesHandler{db: db, now: time.Now}
}

// ActivityQuery holds the validated query parameters of GET /strava/activities.
type ActivityQuery struct {
	Limit  int    `validate:"gte=1,lte=1000"`
	Offset int    `validate:"gte=0"`
	Year   int    `validate:"omitempty,gte=2000,lte=2100"`
	Type   string `validate:"omitempty,alphanum,max=40"`
}

// ActivityPage is the paged list response.
type ActivityPage struct {
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
	Data   []database.Activity `json:"data"`
}

// AggregateResponse carries totals computed from the activity table.
type AggregateResponse struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Longest returns a handler for the longest activity of activityType in
// ?year=, defaulting to the current year.
func (h *ActivitiesHandler) Longest(activityType, noun string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		year := h.now().Year()
		if s := r.URL.Query().Get("year"); s != "" {
			y, err := strconv.Atoi(s)
			if err != nil || y < 1970 || y > 9999 {
				respond.Error(w, r, http.StatusBadRequest, "Invalid year parameter", err)
				return
			}
			year = y
		}

		a, err := h.db.LongestActivity(r.Context(), activityType, year)
		if err != nil {
			respond.Error(w, r, http.StatusInternalServerError, "Failed to query activities", err)
			return
		}
		if a == nil {
			msg := fmt.Sprintf("No %s found for year %d. Try /strava/refresh-data", noun, year)
			respond.Error(w, r, http.StatusNotFound, msg, nil)
			return
		}
		respond.JSON(w, http.StatusOK, a)
	}
}

// HandleTotals handles GET /strava/stats/totals
func (h *ActivitiesHandler) HandleTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := h.db.TotalsByType(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusInternalServerError, "Failed to aggregate activities", err)
		return
	}
	respond.JSON(w, http.StatusOK, AggregateResponse{Type: "all_time_totals", Data: totals, FetchedAt: h.now().UTC()})
}

// HandleYearly handles GET /strava/stats/yearly
func (h *ActivitiesHandler) HandleYearly(w http.ResponseWriter, r *http.Request) {
	totals, err := h.db.TotalsByYear(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusInternalServerError, "Failed to aggregate activities", err)
		return
	}
	respond.JSON(w, http.StatusOK, AggregateResponse{Type: "yearly_stats", Data: totals, FetchedAt: h.now().UTC()})
}

// HandleList handles GET /strava/activities
// Query parameters:
//   - limit: page size (default: 100, max: 1000)
//   - offset: rows to skip (default: 0)
//   - year: calendar year of start_date_local
//   - activity_type: e.g. Run, Ride
func (h *ActivitiesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseActivityQuery(r)
	if err != nil {
		respond.Error(w, r, http.StatusBadRequest, err.Error(), err)
		return
	}

	activities, total, err := h.db.ListActivities(r.Context(), database.ActivityFilter{
		Year:   q.Year,
		Type:   q.Type,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		respond.Error(w, r, http.StatusInternalServerError, "Failed to query activities", err)
		return
	}
	if activities == nil {
		activities = []database.Activity{}
	}

	respond.JSON(w, http.StatusOK, ActivityPage{
		Total:  total,
		Limit:  q.Limit,
		Offset: q.Offset,
		Data:   activities,
	})
}

func parseActivityQuery(r *http.Request) (ActivityQuery, error) {
	values := r.URL.Query()
	q := ActivityQuery{Limit: defaultActivityLimit}

	ints := []struct {
		name string
		dst  *int
	}{
		{"limit", &q.Limit},
		{"offset", &q.Offset},
		{"year", &q.Year},
	}
	for _, p := range ints {
		s := values.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, paramError(p.name)
		}
		*p.dst = n
	}
	q.Type = strings.TrimSpace(values.Get("activity_type"))

	if err := getValidator().Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return q, paramError(queryName(verrs[0].Field()))
		}
		return q, paramError("query")
	}
	return q, nil
}

// paramError names the query parameter that failed to parse or validate.
type paramError string

func (e paramError) Error() string {
	return "Invalid " + string(e) + " parameter"
}

func queryName(field string) string {
	switch field {
	case "Type":
		return "activity_type"
	default:
		return strings.ToLower(field)
	}
}
