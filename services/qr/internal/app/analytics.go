package app

import (
	"context"
	"errors"
	"time"

	"getqr/pkg/analytics"
	"getqr/pkg/domain"
)

const exportConcurrency = 4

// StatsInput selects click analytics. An empty QrID covers all of the caller's QR codes.
type StatsInput struct {
	QrID     string
	GroupBy  string
	Interval string
	Start    time.Time
	End      time.Time
	Timezone string
}

// Stats returns one analytics group for the caller's links.
func (a *App) Stats(ctx context.Context, actor Actor, in StatsInput) ([]analytics.Row, error) {
	q, empty, err := a.analyticsQuery(actor, in, domain.ScopeAnalyticsRead)
	if err != nil || empty {
		return []analytics.Row{}, err
	}
	return analytics.Stats(ctx, a.analytics, q)
}

// Export gathers every export group for the caller's links.
func (a *App) Export(ctx context.Context, actor Actor, in StatsInput) ([]analytics.Section, error) {
	q, empty, err := a.analyticsQuery(actor, in, domain.ScopeAnalyticsExport)
	if err != nil {
		return nil, err
	}
	if empty {
		sections := make([]analytics.Section, len(analytics.ExportGroups))
		for i, g := range analytics.ExportGroups {
			sections[i] = analytics.Section{Group: g}
		}
		return sections, nil
	}
	return analytics.Collect(ctx, a.analytics, q, exportConcurrency)
}

// analyticsQuery reports empty when the caller has no links to query.
func (a *App) analyticsQuery(actor Actor, in StatsInput, scope string) (analytics.Query, bool, error) {
	if err := actor.requireUser(scope); err != nil {
		return analytics.Query{}, false, err
	}
	if a.analytics == nil {
		return analytics.Query{}, false, domain.UpstreamError("analytics", errors.New("analytics backend not configured"))
	}
	group := analytics.GroupCount
	if in.GroupBy != "" {
		g, ok := analytics.ParseGroupBy(in.GroupBy)
		if !ok {
			return analytics.Query{}, false, domain.FieldError("groupBy", "unknown group")
		}
		group = g
	}
	linkIDs, err := a.analyticsLinks(actor, in.QrID)
	if err != nil {
		return analytics.Query{}, false, err
	}
	q := analytics.Query{
		LinkIDs:  linkIDs,
		GroupBy:  group,
		Interval: in.Interval,
		Start:    in.Start,
		End:      in.End,
		Timezone: in.Timezone,
	}
	q, err = analytics.ResolveRange(q, actor.Plan, a.now())
	if err != nil {
		return analytics.Query{}, false, err
	}
	return q, len(linkIDs) == 0, nil
}

func (a *App) analyticsLinks(actor Actor, qrID string) ([]string, error) {
	if qrID != "" {
		qr, err := a.load(qrID)
		if err != nil {
			return nil, err
		}
		if !actor.owns(qr) {
			return nil, domain.PermissionError("not allowed to view analytics for this qr code")
		}
		return []string{qr.LinkID}, nil
	}
	var ids []string
	q := domain.ListQuery{UserID: actor.UserID, IncludeArchived: true, PageSize: domain.MaxPageSize}
	for page := 1; ; page++ {
		q.Page = page
		recs, total, err := a.store.ListQRs(q)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			ids = append(ids, r.LinkID)
		}
		if len(recs) == 0 || int64(page*q.PageSize) >= total {
			return ids, nil
		}
	}
}
