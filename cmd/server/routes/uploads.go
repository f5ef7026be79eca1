package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/droppoint/droppoint/internal/upload"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Protocol headers. Offsets and lengths travel in headers so browser clients
// can read them; the CORS middleware exposes all three.
const (
	HeaderUploadOffset   = "Upload-Offset"
	HeaderUploadLength   = "Upload-Length"
	HeaderUploadMetadata = "Upload-Metadata"
)

// UploadRoutes sets up the resumable upload protocol endpoints
func UploadRoutes(api *gin.RouterGroup, uploads *upload.Manager) {
	group := api.Group("/uploads")

	group.POST("", handleUploadCreate(uploads))
	group.PATCH("/:id", handleUploadAppend(uploads))
	group.HEAD("/:id", handleUploadStatus(uploads))
	group.GET("/:id", handleUploadStatus(uploads))
	group.DELETE("/:id", handleUploadCancel(uploads))
}

// handleUploadCreate starts a new upload session. The request must carry
// Upload-Length and an Upload-Metadata bundle naming the owning transfer;
// any request body is appended as the first chunk before the response.
func handleUploadCreate(uploads *upload.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		lengthHeader := c.GetHeader(HeaderUploadLength)
		if lengthHeader == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Upload-Length header required"})
			return
		}
		declaredSize, err := strconv.ParseInt(lengthHeader, 10, 64)
		if err != nil || declaredSize < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Upload-Length must be a non-negative integer"})
			return
		}

		metadata, err := upload.ParseMetadata(c.GetHeader(HeaderUploadMetadata))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid Upload-Metadata: %v", err)})
			return
		}

		session, err := uploads.Create(c.Request.Context(), declaredSize, metadata, c.Request.Body)
		if err != nil {
			renderUploadError(c, err)
			return
		}

		c.Header("Location", fmt.Sprintf("/api/v1/uploads/%s", session.ID))
		c.Header(HeaderUploadOffset, strconv.FormatInt(session.Offset, 10))
		c.Header(HeaderUploadLength, strconv.FormatInt(session.DeclaredSize, 10))
		c.JSON(http.StatusCreated, gin.H{
			"id":            session.ID,
			"offset":        session.Offset,
			"declared_size": session.DeclaredSize,
		})
	}
}

// handleUploadAppend accepts one chunk at the offset claimed in
// Upload-Offset. A mismatch answers 409 with the authoritative offset so the
// client can resend from the right position.
func handleUploadAppend(uploads *upload.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		offsetHeader := c.GetHeader(HeaderUploadOffset)
		if offsetHeader == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Upload-Offset header required"})
			return
		}
		claimedOffset, err := strconv.ParseInt(offsetHeader, 10, 64)
		if err != nil || claimedOffset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Upload-Offset must be a non-negative integer"})
			return
		}

		newOffset, err := uploads.Append(c.Request.Context(), id, claimedOffset, c.Request.Body)
		if err != nil {
			renderUploadError(c, err)
			return
		}

		c.Header(HeaderUploadOffset, strconv.FormatInt(newOffset, 10))
		c.Status(http.StatusNoContent)
	}
}

// handleUploadStatus reports the current offset and declared length.
func handleUploadStatus(uploads *upload.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := uploads.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			renderUploadError(c, err)
			return
		}

		c.Header(HeaderUploadOffset, strconv.FormatInt(session.Offset, 10))
		c.Header(HeaderUploadLength, strconv.FormatInt(session.DeclaredSize, 10))
		c.Header("Cache-Control", "no-store")

		if c.Request.Method == http.MethodHead {
			c.Status(http.StatusOK)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":            session.ID,
			"offset":        session.Offset,
			"declared_size": session.DeclaredSize,
			"complete":      session.Complete(),
		})
	}
}

// handleUploadCancel deletes an in-progress session. Cancelling a session
// that never existed, or was already cancelled, still answers 204.
func handleUploadCancel(uploads *upload.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := uploads.Cancel(c.Request.Context(), c.Param("id")); err != nil {
			renderUploadError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// renderUploadError maps upload domain errors onto protocol responses. This
// is the only place that translation happens.
func renderUploadError(c *gin.Context, err error) {
	var mismatch *upload.OffsetMismatchError
	switch {
	case errors.As(err, &mismatch):
		c.Header(HeaderUploadOffset, strconv.FormatInt(mismatch.Current, 10))
		c.JSON(http.StatusConflict, gin.H{
			"error":  "offset mismatch",
			"offset": mismatch.Current,
		})
	case errors.Is(err, upload.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "upload session not found"})
	case errors.Is(err, upload.ErrReferenceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found or expired"})
	case errors.Is(err, upload.ErrSessionComplete):
		c.JSON(http.StatusConflict, gin.H{"error": "upload session already complete"})
	case errors.Is(err, upload.ErrSizeExceeded):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "chunk exceeds declared upload size"})
	case errors.Is(err, upload.ErrDeclaredSizeTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "declared size exceeds maximum"})
	case errors.Is(err, upload.ErrStorageDesync):
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("storage desync detected")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage integrity error"})
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("upload request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
