package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/metropoint/drip-engine/internal/catalog"
	"github.com/metropoint/drip-engine/internal/domain"
)

type CampaignHandler struct {
	catalog *catalog.Catalog
}

func NewCampaignHandler(campaignCatalog *catalog.Catalog) *CampaignHandler {
	return &CampaignHandler{catalog: campaignCatalog}
}

func (h *CampaignHandler) RegisterRoutes(router fiber.Router) {
	group := router.Group("/campaigns")
	group.Get("/", h.List)
	group.Put("/", h.Register)
	group.Get("/:id", h.Get)
}

func (h *CampaignHandler) List(c *fiber.Ctx) error {
	campaigns, err := h.catalog.ListCampaigns(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"campaigns": campaigns})
}

func (h *CampaignHandler) Get(c *fiber.Ctx) error {
	campaign, err := h.catalog.GetCampaign(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(campaign)
}

// Register upserts a campaign definition. Enrollments already in flight keep
// their schedule snapshot; only templates of unsent steps pick up edits.
func (h *CampaignHandler) Register(c *fiber.Ctx) error {
	var campaign domain.CampaignDefinition
	if err := c.BodyParser(&campaign); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed campaign definition")
	}

	if err := h.catalog.Register(c.Context(), &campaign); err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(campaign)
}
