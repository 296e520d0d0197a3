package video

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/reel-forge/internal/auth"
	"github.com/yourusername/reel-forge/internal/jobs"
)

// CreateHandler は POST /v1/videos のハンドラーを返します。
func CreateHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, NewErrorBody(fmt.Sprintf("input_reference must not exceed %d bytes", svc.limits.MaxReferenceBytes), jobs.ErrorTypeInvalidRequest))
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorBody("Request body must be multipart/form-data.", jobs.ErrorTypeInvalidRequest))
			return
		}
		defer form.RemoveAll()

		req := CreateRequest{
			Prompt:   formValue(form.Value, "prompt"),
			Model:    formValue(form.Value, "model"),
			Seconds:  formValue(form.Value, "seconds"),
			Size:     formValue(form.Value, "size"),
			Metadata: formValue(form.Value, "metadata"),
		}
		if files := form.File["input_reference"]; len(files) > 0 {
			req.Reference = files[0]
		}

		job, err := svc.Create(c.Request.Context(), auth.TenantFrom(c), req)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, NewCreatedView(job))
	}
}

// StatusHandler は GET /v1/videos/:id のハンドラーを返します。
func StatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.View(c.Request.Context(), auth.TenantFrom(c), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// ContentHandler は GET /v1/videos/:id/content のハンドラーを返します。
func ContentHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		content, err := svc.OpenContent(c.Request.Context(), auth.TenantFrom(c), c.Param("id"), c.Query("variant"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer content.Body.Close()

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", content.Filename))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, content.Size, content.ContentType, content.Body, nil)
	}
}

func formValue(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		c.JSON(apiErr.Status, NewErrorBody(apiErr.Message, apiErr.Type))
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, NewErrorBody("The request was canceled.", jobs.ErrorTypeInvalidRequest))
	default:
		c.JSON(http.StatusInternalServerError, NewErrorBody("The server had an error while processing your request.", jobs.ErrorTypeServer))
	}
}
