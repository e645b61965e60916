package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ParseEventQuery reads limit, order, since, status and user from a cheer
// log request.
func ParseEventQuery(values url.Values) (store.EventQuery, error) {
	q := store.EventQuery{Limit: defaultLimit}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return store.EventQuery{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		q.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
		case "asc":
			q.Ascending = true
		default:
			return store.EventQuery{}, errors.New("order must be asc or desc")
		}
	}

	if raw := values.Get("since"); raw != "" {
		since, err := parseSince(raw)
		if err != nil {
			return store.EventQuery{}, err
		}
		q.Since = since
	}

	seen := make(map[core.Status]struct{})
	for _, raw := range values["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			st, ok := normalizeStatus(part)
			if !ok {
				return store.EventQuery{}, errors.New("invalid status filter")
			}
			if _, dup := seen[st]; !dup {
				seen[st] = struct{}{}
				q.Statuses = append(q.Statuses, st)
			}
		}
	}

	q.UserLogin = strings.TrimSpace(values.Get("user"))
	return q, nil
}

func EventQueryFromRequest(r *http.Request) (store.EventQuery, error) {
	return ParseEventQuery(r.URL.Query())
}

func normalizeStatus(s string) (core.Status, bool) {
	switch core.Status(s) {
	case core.StatusNew, core.StatusIgnored, core.StatusDone, core.StatusFailed:
		return core.Status(s), true
	}
	return "", false
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}
