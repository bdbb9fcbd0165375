package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nholik/fleet-sentinel/internal/history"
	"github.com/nholik/fleet-sentinel/internal/state"
)

const (
	headerLeaseHolder = "X-Lease-Holder"
	defaultHistory    = 50
)

// StateView is the body of GET /v1/state.
type StateView struct {
	Content   state.Content `json:"content"`
	Checksum  string        `json:"checksum"`
	Timestamp time.Time     `json:"timestamp"`
}

// Proposal is the body of PUT /v1/state. ExpectedChecksum and HolderID fall back to the
// If-Match and X-Lease-Holder headers.
type Proposal struct {
	Content          *state.Content `json:"content"`
	ExpectedChecksum string         `json:"expected_checksum"`
	HolderID         string         `json:"holder_id"`
}

// RollbackRequest is the body of POST /v1/state/rollback.
type RollbackRequest struct {
	Checksum         string `json:"checksum"`
	ExpectedChecksum string `json:"expected_checksum"`
	HolderID         string `json:"holder_id"`
}

// CommitResult reports the checksum of a committed snapshot.
type CommitResult struct {
	Checksum string `json:"checksum"`
}

func (h *handlers) getState(c echo.Context) error {
	snap, err := h.Store.Read()
	if err != nil {
		return translate(err)
	}
	etag := quote(snap.Checksum)
	c.Response().Header().Set("ETag", etag)
	if match := c.Request().Header.Get("If-None-Match"); match != "" && unquote(match) == snap.Checksum {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSON(http.StatusOK, StateView{
		Content:   snap.Content,
		Checksum:  snap.Checksum,
		Timestamp: snap.Timestamp,
	})
}

func (h *handlers) putState(c echo.Context) error {
	var p Proposal
	if err := c.Bind(&p); err != nil {
		return err
	}
	if p.Content == nil {
		return badRequest("content is required")
	}
	expected := firstNonEmpty(p.ExpectedChecksum, unquote(c.Request().Header.Get("If-Match")))
	holder := firstNonEmpty(p.HolderID, c.Request().Header.Get(headerLeaseHolder))
	if expected == "" {
		return badRequest("expected_checksum or If-Match is required")
	}

	sum, err := h.Store.ProposeUpdate(c.Request().Context(), holder, *p.Content, expected)
	if err != nil {
		return translate(err)
	}
	c.Response().Header().Set("ETag", quote(sum))
	return c.JSON(http.StatusOK, CommitResult{Checksum: sum})
}

func (h *handlers) rollback(c echo.Context) error {
	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Checksum == "" {
		return badRequest("checksum is required")
	}
	expected := firstNonEmpty(req.ExpectedChecksum, unquote(c.Request().Header.Get("If-Match")))
	holder := firstNonEmpty(req.HolderID, c.Request().Header.Get(headerLeaseHolder))

	sum, err := h.Store.Rollback(c.Request().Context(), holder, req.Checksum, expected)
	if err != nil {
		return translate(err)
	}
	c.Response().Header().Set("ETag", quote(sum))
	return c.JSON(http.StatusOK, CommitResult{Checksum: sum})
}

// HistoryPage is the body of GET /v1/history, most recent first.
type HistoryPage struct {
	Entries []history.Entry `json:"entries"`
}

func (h *handlers) listHistory(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultHistory)
	if err != nil {
		return err
	}
	r := history.Range{Limit: limit}
	if r.Since, err = queryTime(c, "since"); err != nil {
		return err
	}
	if r.Until, err = queryTime(c, "until"); err != nil {
		return err
	}

	entries := []history.Entry{}
	if h.History != nil {
		entries = h.History.List(r)
	}
	return c.JSON(http.StatusOK, HistoryPage{Entries: entries})
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, badRequest("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}

func quote(checksum string) string {
	return `"` + checksum + `"`
}

func unquote(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
