package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meartlab/meart/server/internal/admission"
	"github.com/meartlab/meart/server/internal/catalog"
	"github.com/meartlab/meart/server/internal/processor"
)

// errBadRequest marks input problems that map to 400.
var errBadRequest = errors.New("bad request")

// process serves remove-bg and analyze-emotion.
func (h *Handler) process(op processor.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		if !h.opts.Processor.Configured(op) {
			jsonErr(w, http.StatusServiceUnavailable, fmt.Sprintf("%s is not configured", op))
			return
		}
		img, err := h.readImage(w, r)
		if err != nil {
			h.inputErr(w, err)
			return
		}
		h.submit(w, r, op, processor.Input{Image: img}, nil)
	}
}

// composite serves POST /api/composite. The background is resolved before
// the job is queued so an unknown key never costs a slot.
func (h *Handler) composite(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if !h.opts.Processor.Configured(processor.OpComposite) {
		jsonErr(w, http.StatusServiceUnavailable, "composite is not configured")
		return
	}
	if h.tooLarge(r) {
		jsonErr(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)

	var req CompositeRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.inputErr(w, err)
		return
	}
	fg, err := decodeBase64(req.FgBase64)
	if err != nil {
		h.inputErr(w, fmt.Errorf("%w: fgBase64: %v", errBadRequest, err))
		return
	}

	meta := map[string]any{"mode": req.Mode, "format": req.Out}
	in := processor.Input{Image: fg, Mode: req.Mode, Format: req.Out}
	if req.BgKey != "" {
		res, err := h.opts.Catalog.Resolve(req.BgKey)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				jsonErrPath(w, http.StatusNotFound, "background not found", req.BgKey)
				return
			}
			jsonErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		in.Background = res.Path
		meta["bgKey"] = req.BgKey
		meta["background"] = res.Name
		meta["fuzzy"] = res.Fuzzy
		if res.Fuzzy {
			w.Header().Set("X-Resolved-Asset", res.Name)
		}
	}
	h.submit(w, r, processor.OpComposite, in, meta)
}

// submit runs op through the admission queue and writes the outcome.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, op processor.Op, in processor.Input, meta map[string]any) {
	id := uuid.NewString()
	in.JobID = id
	w.Header().Set("X-Job-Id", id)

	ctx := admission.WithJobID(r.Context(), id)
	out, err := h.opts.Queue.Submit(ctx, func(ctx context.Context) (admission.Output, error) {
		return h.opts.Processor.Run(ctx, op, in)
	})
	if err != nil {
		h.jobErr(w, r, op, err)
		return
	}

	resp := make(map[string]any, len(out)+2)
	for k, v := range out {
		resp[k] = v
	}
	if meta != nil {
		resp["meta"] = meta
	}
	resp["ok"] = true
	jsonResp(w, http.StatusOK, resp)
}

// jobErr maps admission and job failures to status codes.
func (h *Handler) jobErr(w http.ResponseWriter, r *http.Request, op processor.Op, err error) {
	stats := h.opts.Queue.Stats()
	queue := &QueueInfo{Pending: stats.Pending, Running: stats.Running}

	var je *admission.JobError
	switch {
	case errors.Is(err, admission.ErrOverloaded):
		h.setRetryAfter(w)
		jsonResp(w, http.StatusTooManyRequests, errorResponse{Error: "queue overloaded", Queue: queue})
	case errors.Is(err, admission.ErrTimeout):
		h.setRetryAfter(w)
		jsonResp(w, http.StatusServiceUnavailable, errorResponse{Error: "timeout/overload", Queue: queue})
	case errors.Is(err, processor.ErrNotConfigured):
		jsonErr(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &je):
		// Processor detail stays in the log; the client gets the job id.
		id := w.Header().Get("X-Job-Id")
		attrs := []any{"op", op, "job", id, "err", je.Err}
		var xe *processor.ExitError
		if errors.As(je.Err, &xe) {
			attrs = append(attrs, "stderr", xe.Stderr)
		}
		slog.Error("api: job failed", attrs...)
		jsonErr(w, http.StatusInternalServerError, "processing failed (job "+id+")")
	case r.Context().Err() != nil:
		// The client is gone; nobody reads this.
		jsonErr(w, http.StatusServiceUnavailable, "request canceled")
	default:
		jsonErr(w, http.StatusInternalServerError, err.Error())
	}
}

// readImage accepts a multipart "image" field or a JSON {imageBase64} body.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if h.tooLarge(r) {
		return nil, &http.MaxBytesError{Limit: h.opts.MaxBodySize}
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		f, _, err := r.FormFile("image")
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: image file is required", errBadRequest)
		}
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: image file is empty", errBadRequest)
		}
		return b, nil
	}

	var req ImageRequest
	if err := h.decodeJSON(r, &req); err != nil {
		return nil, err
	}
	img, err := decodeBase64(req.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: imageBase64: %v", errBadRequest, err)
	}
	return img, nil
}

func (h *Handler) tooLarge(r *http.Request) bool {
	return r.ContentLength > h.opts.MaxBodySize
}

// decodeJSON decodes and validates a JSON body into v.
func (h *Handler) decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	if err := h.validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("%w: %s", errBadRequest, describe(ve[0]))
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (h *Handler) inputErr(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		jsonErr(w, http.StatusRequestEntityTooLarge, "payload too large")
	case errors.Is(err, errBadRequest):
		jsonErr(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), errBadRequest.Error()+": "))
	default:
		jsonErr(w, http.StatusBadRequest, err.Error())
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s is too long", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// decodeBase64 accepts raw base64 or a data: URI.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, errors.New("malformed data URI")
		}
		s = payload
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if b2, err2 := base64.RawStdEncoding.DecodeString(s); err2 == nil {
			b, err = b2, nil
		}
	}
	if err != nil {
		return nil, errors.New("not valid base64")
	}
	if len(b) == 0 {
		return nil, errors.New("empty image")
	}
	return b, nil
}
