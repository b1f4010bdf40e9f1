package controller

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/likexian/whois"
	"github.com/sirupsen/logrus"

	"mailvet/utils"
	"mailvet/validator"
	"mailvet/worker"
)

type ValidationController struct {
	Validator        worker.EmailValidator
	Bulk             *worker.BulkCoordinator
	Logger           *logrus.Entry
	WhoisEnabled     bool
	ProgressInterval time.Duration

	// lookupWhois is replaced in tests.
	lookupWhois func(domain string) (string, error)
}

func NewValidationController(v worker.EmailValidator, bulk *worker.BulkCoordinator, logger *logrus.Entry) *ValidationController {
	if logger == nil {
		logger = utils.Component("http")
	}
	return &ValidationController{
		Validator:        v,
		Bulk:             bulk,
		Logger:           logger,
		ProgressInterval: time.Second,
		lookupWhois:      func(domain string) (string, error) { return whois.Whois(domain) },
	}
}

type validationResponse struct {
	*validator.Result
	WHOIS string `json:"whois,omitempty"`
}

// ValidateEmail handles single email validation
func (vc *ValidationController) ValidateEmail(c *fiber.Ctx) error {
	userID := requestUserID(c)
	email := c.Query("email")
	if email == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Email address is required", nil)
	}

	useCache := true
	if raw := c.Query("cache"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "cache must be true or false", err)
		}
		useCache = v
	}

	result := vc.Validator.Validate(c.UserContext(), email, userID, useCache)
	resp := validationResponse{Result: result}

	// WHOIS is informational and only attached for addresses that resolved
	if vc.WhoisEnabled && result.DNSValid {
		info, err := vc.lookupWhois(utils.ExtractDomain(result.Email))
		if err != nil {
			vc.Logger.WithError(err).WithField("email", result.Email).Debug("whois lookup failed")
		} else {
			resp.WHOIS = info
		}
	}

	return c.JSON(resp)
}

type bulkRequest struct {
	Name   string   `json:"name" validate:"max=255"`
	Emails []string `json:"emails" validate:"required,min=1"`
}

// BulkValidate creates a bulk job and starts it in the background
func (vc *ValidationController) BulkValidate(c *fiber.Ctx) error {
	userID := requestUserID(c)

	var request bulkRequest
	if err := c.BodyParser(&request); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request format", err)
	}
	if err := utils.ValidateStruct(request); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	}
	if err := utils.ValidateVar("emails", request.Emails, "dive,required"); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	}

	job, err := vc.Bulk.Submit(c.UserContext(), userID, request.Name, request.Emails)
	switch {
	case errors.Is(err, worker.ErrEmptyBatch):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "No emails supplied", err)
	case errors.Is(err, worker.ErrBatchTooLarge):
		return utils.ErrorResponse(c, fiber.StatusRequestEntityTooLarge, "Batch too large", err)
	case err != nil:
		utils.LogError("bulk_submit", err, map[string]interface{}{"user_id": userID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create bulk job", nil)
	}

	if err := vc.Bulk.Start(job.ID, userID, request.Emails); err != nil {
		utils.LogError("bulk_start", err, map[string]interface{}{"job_id": job.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start bulk job", nil)
	}

	utils.LogEvent("bulk_job_submitted", map[string]interface{}{
		"job_id":  job.ID,
		"user_id": userID,
		"total":   job.TotalEmails,
	})
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"job_id":       job.ID,
		"status":       job.Status,
		"total_emails": job.TotalEmails,
	}))
}

// GetBulkProgress returns the counters of a bulk job
func (vc *ValidationController) GetBulkProgress(c *fiber.Ctx) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid job id", err)
	}
	progress, err := vc.Bulk.Progress(c.UserContext(), jobID)
	if err != nil {
		return vc.jobError(c, err)
	}
	return c.JSON(utils.SuccessResponse(progress))
}

// GetBulkItems returns the per-address outcomes of a bulk job
func (vc *ValidationController) GetBulkItems(c *fiber.Ctx) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid job id", err)
	}
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 100)
	if offset < 0 || limit < 1 || limit > 1000 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "offset must be >= 0 and limit between 1 and 1000", nil)
	}

	items, err := vc.Bulk.Items(c.UserContext(), jobID, offset, limit)
	if err != nil {
		return vc.jobError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"items":  items,
		"offset": offset,
		"limit":  limit,
	}))
}

// CancelBulk aborts a running bulk job
func (vc *ValidationController) CancelBulk(c *fiber.Ctx) error {
	jobID, err := jobIDParam(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid job id", err)
	}
	if err := vc.Bulk.Cancel(jobID); err != nil {
		return vc.jobError(c, err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"job_id": jobID, "message": "Cancellation requested"}))
}

// BulkProgressWS pushes progress snapshots until the job is terminal or
// the client goes away.
func (vc *ValidationController) BulkProgressWS(c *websocket.Conn) {
	defer c.Close()

	jobID := utils.ParseUint(c.Params("id"))
	log := vc.Logger.WithField("job_id", jobID)

	interval := vc.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last worker.Progress
	for first := true; ; first = false {
		if !first {
			<-ticker.C
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		progress, err := vc.Bulk.Progress(ctx, jobID)
		cancel()
		if err != nil {
			_ = c.WriteJSON(fiber.Map{"error": err.Error()})
			return
		}
		if first || progress != last {
			if err := c.WriteJSON(progress); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
			last = progress
		}
		if progress.Done() {
			return
		}
	}
}

func (vc *ValidationController) jobError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, worker.ErrJobNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Bulk job not found", nil)
	case errors.Is(err, worker.ErrJobNotRunning), errors.Is(err, worker.ErrJobRunning), errors.Is(err, worker.ErrJobFinished):
		return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
	}
	vc.Logger.WithError(err).Error("bulk job lookup failed")
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal error", nil)
}

func jobIDParam(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("job id must be a positive integer")
	}
	return uint(id), nil
}

func requestUserID(c *fiber.Ctx) uint {
	id, _ := c.Locals("userID").(uint)
	return id
}
