package transport

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go-image-captioner/internal/caption"
	"go-image-captioner/internal/config"
	apperrors "go-image-captioner/internal/errors"
	"go-image-captioner/internal/logger"
	"go-image-captioner/internal/service"
	"go-image-captioner/pkg/models"
	"go-image-captioner/pkg/validation"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

//go:embed templates/index.html
var templates embed.FS

type pageData struct {
	Caption  string
	Error    string
	ImageURL string
	UseAPI   bool
}

type handler struct {
	svc       service.CaptionService
	cfg       *config.Config
	validator *validation.ImageValidator
}

// NewHandler builds the web form, the JSON API and the operational routes.
// A nil gatherer disables /metrics.
func NewHandler(svc service.CaptionService, cfg *config.Config, gatherer prometheus.Gatherer) (http.Handler, error) {
	tmpl, err := template.ParseFS(templates, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	h := &handler{
		svc:       svc,
		cfg:       cfg,
		validator: validation.NewImageValidator(cfg.MaxImageSize),
	}

	r := gin.New()
	r.SetHTMLTemplate(tmpl)

	// Add middleware
	r.Use(
		gin.Recovery(),
		requestLogger(),
		requestSizeLimiter(cfg.MaxRequestBodySize),
		errorHandler(),
	)

	// Configure routes
	r.GET("/", h.showForm)
	r.POST("/", h.submitForm)
	r.Static("/uploads", cfg.UploadDir)
	r.POST("/api/caption", h.captionAPI)
	r.GET("/health", healthCheck)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return r, nil
}

func (h *handler) showForm(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", pageData{})
}

// submitForm never fails the request; errors are rendered into the page.
func (h *handler) submitForm(c *gin.Context) {
	data := pageData{UseAPI: c.PostForm("use_api") != ""}

	img, err := h.readUpload(c)
	if err != nil {
		data.Error = displayMessage(err)
		c.HTML(http.StatusOK, "index.html", data)
		return
	}

	name, err := h.saveUpload(img)
	if err != nil {
		logger.WithError(err).Error("Failed to save upload")
		data.Error = "could not store the uploaded image"
		c.HTML(http.StatusOK, "index.html", data)
		return
	}
	data.ImageURL = "/uploads/" + name

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestTimeout)
	defer cancel()

	// The checkbox alone picks the backend; a credential in the
	// environment does not imply remote here.
	backend := caption.BackendLocal
	if data.UseAPI {
		backend = caption.BackendRemote
	}
	resp, err := h.svc.CaptionImage(ctx, *img, service.CaptionOptions{Backend: backend})
	if err != nil {
		logger.WithError(err).WithField("upload", name).Warn("Caption failed")
		data.Error = displayMessage(err)
	} else {
		data.Caption = resp.Caption
	}
	c.HTML(http.StatusOK, "index.html", data)
}

func (h *handler) captionAPI(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestTimeout)
	defer cancel()

	opts := service.CaptionOptions{
		UseRemote: c.PostForm("use_api") != "",
		Model:     c.PostForm("model"),
	}
	if b := c.PostForm("backend"); b != "" {
		backend, err := caption.ParseBackend(b)
		if err != nil {
			respondError(c, apperrors.GetStatusCode(err), "invalid backend", err)
			return
		}
		opts.Backend = backend
	}
	if raw := c.PostForm("max_length"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			err = apperrors.NewValidationError(fmt.Sprintf("max_length must be a non-negative integer, got %q", raw), err)
			respondError(c, http.StatusBadRequest, "invalid max_length", err)
			return
		}
		opts.MaxLength = n
	}

	img, err := h.readUpload(c)
	if err != nil {
		respondError(c, apperrors.GetStatusCode(err), "invalid upload", err)
		return
	}

	resp, err := h.svc.CaptionImage(ctx, *img, opts)
	if err != nil {
		respondError(c, apperrors.GetStatusCode(err), "caption failed", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) readUpload(c *gin.Context) (*caption.Image, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.NewValidationError(fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), err)
		}
		return nil, apperrors.NewValidationError("no image file uploaded", err)
	}

	data, err := readFile(fh, h.cfg.MaxImageSize)
	if err != nil {
		return nil, err
	}
	info, err := h.validator.Validate(data)
	if err != nil {
		return nil, err
	}
	return &caption.Image{Name: fh.Filename, ContentType: info.ContentType, Data: data}, nil
}

func readFile(fh *multipart.FileHeader, maxSize int64) ([]byte, error) {
	if maxSize > 0 && fh.Size > maxSize {
		return nil, apperrors.NewValidationError(fmt.Sprintf("image is %d bytes, limit is %d", fh.Size, maxSize), nil)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apperrors.NewValidationError("cannot read uploaded file", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.NewValidationError("cannot read uploaded file", err)
	}
	return data, nil
}

// saveUpload stores img under a generated name so client file names never
// reach the filesystem.
func (h *handler) saveUpload(img *caption.Image) (string, error) {
	ext := filepath.Ext(img.Name)
	if m := mimetype.Lookup(img.ContentType); m != nil {
		ext = m.Extension()
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(h.cfg.UploadDir, name), img.Data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

func displayMessage(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": "1.0.0",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Middleware and helper functions
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
		}).Info("Request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()
			respondError(c, determineStatusCode(err.Err), "request processing failed", err.Err)
		}
	}
}

func determineStatusCode(err error) int {
	// Check if it's a custom app error first
	if appErr, ok := apperrors.As(err); ok {
		return appErr.StatusCode
	}

	// Fallback to context-based errors
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, code int, message string, err error) {
	// Log the error with context
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	resp := models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %s", message, displayMessage(err)),
	}
	if appErr, ok := apperrors.As(err); ok {
		resp.Type = string(appErr.Type)
		resp.UpstreamStatus = appErr.UpstreamStatus
	}
	c.AbortWithStatusJSON(code, resp)
}
