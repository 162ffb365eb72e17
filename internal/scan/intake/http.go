package intake

import (
	"net/http"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/dao"
)

// ScanRequestPath is the HTTP fallback for scan requests.
const ScanRequestPath = "/scan/requests"

type scanRequestBody struct {
	TenantID  string `json:"tenant_id" binding:"required"`
	ChatID    int64  `json:"chat_id" binding:"required"`
	MessageID int    `json:"message_id" binding:"required"`
}

// HTTPHandler accepts the same payload as the scan-requested topic.
func (in *Intake) HTTPHandler(c *gin.Context) {
	logger := gmw.GetLogger(c).Named("scan_request")

	var body scanRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ref := scan.MessageRef{TenantID: body.TenantID, ChatID: body.ChatID, MessageID: body.MessageID}
	outcome, err := in.Accept(c.Request.Context(), ref)
	switch {
	case errors.Is(err, dao.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file record not found"})
		return
	case err != nil:
		logger.Error("accept scan request", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "accept scan request"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"duplicate": outcome == Duplicate})
}
