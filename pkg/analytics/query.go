package analytics

import (
	"context"
	"net/url"
	"strings"
	"time"

	"getqr/pkg/domain"
)

// GroupBy selects the aggregation a stats query returns.
type GroupBy string

const (
	GroupCount      GroupBy = "count"
	GroupTimeseries GroupBy = "timeseries"
	GroupCountries  GroupBy = "countries"
	GroupCities     GroupBy = "cities"
	GroupDevices    GroupBy = "devices"
	GroupBrowsers   GroupBy = "browsers"
	GroupOS         GroupBy = "os"
	GroupReferers   GroupBy = "referers"
)

// ExportGroups are the aggregations written by an export.
var ExportGroups = []GroupBy{
	GroupTimeseries, GroupCountries, GroupCities, GroupDevices, GroupBrowsers, GroupOS, GroupReferers,
}

func ParseGroupBy(raw string) (GroupBy, bool) {
	if raw == "" {
		return GroupCount, true
	}
	for _, g := range append([]GroupBy{GroupCount}, ExportGroups...) {
		if string(g) == raw {
			return g, true
		}
	}
	return "", false
}

// Max history a plan can query.
var planRetention = map[domain.Plan]time.Duration{
	domain.PlanFree:     30 * 24 * time.Hour,
	domain.PlanPro:      365 * 24 * time.Hour,
	domain.PlanBusiness: 3 * 365 * 24 * time.Hour,
}

var intervals = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
	"1y":  365 * 24 * time.Hour,
}

// Query describes one stats request.
type Query struct {
	LinkIDs  []string
	GroupBy  GroupBy
	Interval string
	Start    time.Time
	End      time.Time
	Timezone string
}

// ResolveRange fills Start and End from Interval (default 24h) or the explicit range,
// then checks the range against the plan's history.
func ResolveRange(q Query, plan domain.Plan, now time.Time) (Query, error) {
	now = now.UTC()
	if q.Start.IsZero() {
		interval := q.Interval
		if interval == "" {
			interval = "24h"
		}
		if interval == "all" {
			q.Start = now.Add(-retention(plan))
		} else {
			d, ok := intervals[interval]
			if !ok {
				return q, domain.FieldError("interval", "unknown interval")
			}
			q.Start = now.Add(-d)
		}
	}
	if q.End.IsZero() || q.End.After(now) {
		q.End = now
	}
	if !q.Start.Before(q.End) {
		return q, domain.FieldError("start", "start must be before end")
	}
	oldest := now.Add(-retention(plan)).Add(-time.Minute)
	if q.Start.Before(oldest) {
		return q, domain.PermissionError("your plan does not include analytics older than " + retentionLabel(plan))
	}
	return q, nil
}

func retention(plan domain.Plan) time.Duration {
	if d, ok := planRetention[plan]; ok {
		return d
	}
	return planRetention[domain.PlanFree]
}

func retentionLabel(plan domain.Plan) string {
	switch plan {
	case domain.PlanPro:
		return "1 year"
	case domain.PlanBusiness:
		return "3 years"
	}
	return "30 days"
}

// Pipe is the backend pipe serving group.
func Pipe(group GroupBy) string {
	return "v2_" + string(group)
}

// Params encodes q as pipe parameters.
func (q Query) Params() url.Values {
	v := url.Values{}
	if len(q.LinkIDs) > 0 {
		v.Set("linkIds", strings.Join(q.LinkIDs, ","))
	}
	v.Set("start", q.Start.UTC().Format("2006-01-02 15:04:05"))
	v.Set("end", q.End.UTC().Format("2006-01-02 15:04:05"))
	tz := q.Timezone
	if tz == "" {
		tz = "UTC"
	}
	v.Set("timezone", tz)
	if q.GroupBy == GroupTimeseries {
		v.Set("granularity", granularity(q.End.Sub(q.Start)))
	}
	return v
}

func granularity(span time.Duration) string {
	switch {
	case span <= 48*time.Hour:
		return "hour"
	case span <= 90*24*time.Hour:
		return "day"
	}
	return "month"
}

// Stats runs q against backend.
func Stats(ctx context.Context, backend Backend, q Query) ([]Row, error) {
	group := q.GroupBy
	if group == "" {
		group = GroupCount
	}
	q.GroupBy = group
	return backend.Query(ctx, Pipe(group), q.Params())
}
