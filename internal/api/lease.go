package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nholik/fleet-sentinel/internal/lease"
)

// LeaseRequest is the body of the lease routes. TTL is a Go duration string and only used
// by acquire.
type LeaseRequest struct {
	HolderID string `json:"holder_id"`
	TTL      string `json:"ttl,omitempty"`
}

// LeaseView describes a granted lease.
type LeaseView struct {
	HolderID   string    `json:"holder_id"`
	Token      uint64    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTL        string    `json:"ttl"`
}

func leaseView(l lease.Lease) LeaseView {
	return LeaseView{
		HolderID:   l.HolderID,
		Token:      l.Token,
		AcquiredAt: l.AcquiredAt,
		ExpiresAt:  l.ExpiresAt(),
		TTL:        l.TTL.String(),
	}
}

func bindLease(c echo.Context) (LeaseRequest, error) {
	var req LeaseRequest
	if err := c.Bind(&req); err != nil {
		return req, err
	}
	req.HolderID = strings.TrimSpace(req.HolderID)
	if req.HolderID == "" {
		return req, badRequest("holder_id is required")
	}
	return req, nil
}

func (h *handlers) acquireLease(c echo.Context) error {
	req, err := bindLease(c)
	if err != nil {
		return err
	}
	ttl := h.LeaseTTL
	if req.TTL != "" {
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			return badRequest("ttl must be a positive duration")
		}
	}

	l, err := h.Leases.Acquire(req.HolderID, ttl)
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, leaseView(l))
}

func (h *handlers) renewLease(c echo.Context) error {
	req, err := bindLease(c)
	if err != nil {
		return err
	}
	l, err := h.Leases.Renew(req.HolderID)
	if err != nil {
		return translate(err)
	}
	return c.JSON(http.StatusOK, leaseView(l))
}

func (h *handlers) releaseLease(c echo.Context) error {
	req, err := bindLease(c)
	if err != nil {
		return err
	}
	if err := h.Leases.Release(req.HolderID); err != nil {
		return translate(err)
	}
	return c.NoContent(http.StatusNoContent)
}
