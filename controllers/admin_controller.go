package controller

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailverifier/proxypool"
	"mailverifier/quota"
	"mailverifier/utils"
)

type ProxyAdmin interface {
	Snapshot() proxypool.Status
	Reload(records []proxypool.Record)
}

type DNSAdmin interface {
	Len() int
	Stats() (hits, misses uint64)
	Purge() int
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type AdminController struct {
	Proxies  ProxyAdmin
	Quota    quota.Tracker
	DNS      DNSAdmin
	Identity string
	Checks   map[string]HealthCheck
	Logger   logrus.FieldLogger
}

func NewAdminController(proxies ProxyAdmin, tracker quota.Tracker, dns DNSAdmin, identity string, checks map[string]HealthCheck, logger logrus.FieldLogger) *AdminController {
	return &AdminController{
		Proxies:  proxies,
		Quota:    tracker,
		DNS:      dns,
		Identity: identity,
		Checks:   checks,
		Logger:   logger,
	}
}

// Health runs every dependency check; any failure answers 503.
func (ac *AdminController) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	deps := fiber.Map{}
	for name, check := range ac.Checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	snap := ac.Proxies.Snapshot()
	return c.Status(status).JSON(fiber.Map{
		"success":      status == fiber.StatusOK,
		"dependencies": deps,
		"proxies_live": len(snap.Live),
	})
}

func (ac *AdminController) GetProxies(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(ac.Proxies.Snapshot()))
}

type ReloadProxiesRequest struct {
	List string `json:"list" validate:"required"`
}

// ReloadProxies replaces the whole pool with the posted list.
func (ac *AdminController) ReloadProxies(c *fiber.Ctx) error {
	var req ReloadProxiesRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	records, err := proxypool.ParseList(req.List)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid proxy list", err)
	}
	ac.Proxies.Reload(records)

	utils.LogEvent(ac.Logger, "proxies_reloaded", map[string]interface{}{
		"count":    len(records),
		"operator": c.Locals("operator"),
	})
	return c.JSON(utils.SuccessResponse(ac.Proxies.Snapshot()))
}

func (ac *AdminController) identity(c *fiber.Ctx) string {
	if id := c.Params("identity"); id != "" {
		return id
	}
	return ac.Identity
}

func (ac *AdminController) GetQuota(c *fiber.Ctx) error {
	counter, err := ac.Quota.Status(c.UserContext(), ac.identity(c))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to read quota", err)
	}
	return c.JSON(utils.SuccessResponse(counter))
}

func (ac *AdminController) ResetQuota(c *fiber.Ctx) error {
	id := ac.identity(c)
	if err := ac.Quota.Reset(c.UserContext(), id); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reset quota", err)
	}
	utils.LogEvent(ac.Logger, "quota_reset", map[string]interface{}{
		"identity": id,
		"operator": c.Locals("operator"),
	})

	counter, err := ac.Quota.Status(c.UserContext(), id)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to read quota", err)
	}
	return c.JSON(utils.SuccessResponse(counter))
}

func (ac *AdminController) GetDNSCache(c *fiber.Ctx) error {
	hits, misses := ac.DNS.Stats()
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"entries": ac.DNS.Len(),
		"hits":    hits,
		"misses":  misses,
	}))
}

func (ac *AdminController) PurgeDNSCache(c *fiber.Ctx) error {
	removed := ac.DNS.Purge()
	return c.JSON(utils.SuccessResponse(fiber.Map{"removed": removed}))
}
