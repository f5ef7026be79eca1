package routes

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/droppoint/droppoint/internal/transfer"
	"github.com/droppoint/droppoint/pkg/types"
	"github.com/droppoint/droppoint/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TransferRoutes sets up transfer management endpoints
func TransferRoutes(api *gin.RouterGroup, transfers *transfer.Service) {
	group := api.Group("/transfers")

	group.POST("", handleTransferCreate(transfers))
	group.GET("/:id", handleTransferGet(transfers))
	group.GET("/:id/files/:fileID", handleFileDownload(transfers))
}

func handleTransferCreate(transfers *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.CreateTransferRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		var ttl time.Duration
		if req.ExpiresIn != "" {
			parsed, err := time.ParseDuration(req.ExpiresIn)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in must be a positive duration"})
				return
			}
			ttl = parsed
		}

		created, err := transfers.Create(c.Request.Context(), req.Name, ttl)
		if err != nil {
			log.Error().Err(err).Msg("failed to create transfer")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Header("Location", fmt.Sprintf("/api/v1/transfers/%s", created.ID))
		c.JSON(http.StatusCreated, types.APIResponse{
			Success: true,
			Data:    created,
		})
	}
}

func handleTransferGet(transfers *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer id"})
			return
		}

		found, err := transfers.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, transfer.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
				return
			}
			log.Error().Err(err).Str("transfer_id", id.String()).Msg("failed to get transfer")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Data:    found,
		})
	}
}

// handleFileDownload streams one completed file as an attachment. A single
// "bytes=start-end" Range header is honored with a 206 so interrupted
// downloads can resume; malformed Range headers are ignored per RFC 9110.
func handleFileDownload(transfers *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transfer id"})
			return
		}
		fileID := c.Param("fileID")

		var (
			record  *types.FileRecord
			content io.ReadCloser
		)

		rangeStart, rangeLength, hasRange := parseByteRange(c.GetHeader("Range"))
		if hasRange {
			record, content, err = transfers.OpenFileRange(c.Request.Context(), id, fileID, rangeStart, rangeLength)
		} else {
			record, content, err = transfers.OpenFile(c.Request.Context(), id, fileID)
		}
		if err != nil {
			switch {
			case errors.Is(err, transfer.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			case errors.Is(err, transfer.ErrFileNotAvailable):
				c.JSON(http.StatusConflict, gin.H{"error": "upload still in progress"})
			case errors.Is(err, transfer.ErrRangeNotSatisfiable):
				c.Header("Content-Range", "bytes */*")
				c.JSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": "requested range not satisfiable"})
			default:
				log.Error().Err(err).
					Str("transfer_id", id.String()).
					Str("file_id", fileID).
					Msg("failed to open file for download")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		defer content.Close()

		contentType := record.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		headers := map[string]string{
			"Content-Disposition": fmt.Sprintf("attachment; filename=%q", utils.SanitizeFilename(record.Name)),
			"Accept-Ranges":       "bytes",
		}

		if hasRange {
			// The service clamps ranges running past the end of the file.
			if remaining := record.FinalSize - rangeStart; rangeLength > remaining {
				rangeLength = remaining
			}
			headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", rangeStart, rangeStart+rangeLength-1, record.FinalSize)
			c.DataFromReader(http.StatusPartialContent, rangeLength, contentType, content, headers)
			return
		}
		c.DataFromReader(http.StatusOK, record.FinalSize, contentType, content, headers)
	}
}

// parseByteRange accepts a single "bytes=start-end" or "bytes=start-" range
// and reports it as a start plus a byte count. Anything else (suffix ranges,
// multiple ranges, garbage) reports no range so the whole file is served.
func parseByteRange(header string) (start, length int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found || startStr == "" {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}

	if endStr == "" {
		return start, math.MaxInt64 - start, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end - start + 1, true
}
