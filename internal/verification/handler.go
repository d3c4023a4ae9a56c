package verification

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/stagelink/stagelink/internal/apperr"
)

// Handler exposes the OTP and password-reset endpoints.
type Handler struct {
	svc *Service
}

// NewHandler constructs a verification HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type emailRequest struct {
	Email string `json:"email"`
}

// SendVerificationEmail triggers (or reports the cooldown of) an OTP mail.
func (h *Handler) SendVerificationEmail(c *fiber.Ctx) error {
	var req emailRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest(apperr.CodeBadRequest, err.Error())
	}
	cooldown, err := h.svc.RequestEmailVerification(c.UserContext(), req.Email)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "verification email sent",
		"data":    cooldown,
	})
}

type verifyRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

// VerifyEmail consumes a one-time code and marks the account verified.
func (h *Handler) VerifyEmail(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest(apperr.CodeBadRequest, err.Error())
	}
	if err := h.svc.VerifyEmail(c.UserContext(), req.Email, req.OTP); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "user verified successfully",
	})
}

// ForgotPassword mails a short-lived reset link.
func (h *Handler) ForgotPassword(c *fiber.Ctx) error {
	var req emailRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest(apperr.CodeBadRequest, err.Error())
	}
	if err := h.svc.RequestPasswordReset(c.UserContext(), req.Email); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "reset password email sent",
	})
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ResetPassword consumes a reset token and replaces the password.
func (h *Handler) ResetPassword(c *fiber.Ctx) error {
	var req resetRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest(apperr.CodeBadRequest, err.Error())
	}
	if req.Token == "" || req.Password == "" {
		return apperr.BadRequest(apperr.CodeBadRequest, "token and password are required")
	}
	if err := h.svc.ResetPassword(c.UserContext(), req.Token, req.Password); err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "password reset successfully",
	})
}
