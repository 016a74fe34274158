package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"github.com/smallbiznis/hungerpay/internal/providers/pdf"
)

// Month boundaries follow Nairobi time (UTC+3, no DST).
var nairobi = time.FixedZone("EAT", 3*60*60)

func (s *Server) GetCurrentTotals(c *gin.Context) {
	now := s.clock.Now().In(nairobi)
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, nairobi)

	summary, err := s.paymentSvc.Summary(c.Request.Context(), since)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// DownloadReceipt requires the checkout request id alongside the donation id
// so receipts cannot be enumerated by id alone.
func (s *Server) DownloadReceipt(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid donation id"))
		return
	}
	checkoutRequestID := strings.TrimSpace(c.Query("checkoutRequestID"))
	if checkoutRequestID == "" {
		AbortWithError(c, newValidationError("checkoutRequestID", "required", "checkoutRequestID is required"))
		return
	}

	donation, err := s.paymentSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if donation.CheckoutID() != checkoutRequestID || donation.Status != paymentdomain.StatusCompleted {
		AbortWithError(c, ErrNotFound)
		return
	}

	doc, err := s.receipts.GenerateReceipt(c.Request.Context(), s.receiptData(donation))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	body, err := io.ReadAll(doc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="receipt-`+donation.ID.String()+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", body)
}

func (s *Server) receiptData(donation paymentdomain.Donation) pdf.ReceiptData {
	paidAt := donation.LastTransitionAt
	if donation.CompletedAt != nil {
		paidAt = *donation.CompletedAt
	}
	receiptNumber := ""
	if donation.ReceiptNumber != nil {
		receiptNumber = *donation.ReceiptNumber
	}
	recurring := ""
	if donation.IsRecurring {
		recurring = donation.RecurringInterval
	}

	return pdf.ReceiptData{
		OrgName:       s.cfg.Email.FromName,
		OrgEmail:      s.cfg.Email.FromEmail,
		DonationID:    donation.ID.String(),
		ReceiptNumber: receiptNumber,
		DatePaid:      paidAt.In(nairobi).Format("2 Jan 2006 15:04"),
		DonorName:     donation.DonorName,
		DonorEmail:    donation.DonorEmail,
		PhoneNumber:   paymentdomain.MaskPhone(donation.PhoneNumber),
		Program:       donation.Program,
		Amount:        paymentdomain.FormatAmount(donation.Amount),
		Recurring:     recurring,
		Message:       donation.Message,
	}
}
