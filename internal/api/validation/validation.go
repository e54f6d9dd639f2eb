package validation

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	apierrors "github.com/nkkko/ply/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// FormDecoder is implemented by requests that can also arrive as an HTML
// form post
type FormDecoder interface {
	DecodeForm(values url.Values) error
}

// ParseAndValidate decodes a JSON or form request body into v and validates
// it. Form bodies require v to implement FormDecoder.
func ParseAndValidate(r *http.Request, v Validator) error {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		fd, ok := v.(FormDecoder)
		if !ok {
			return apierrors.ValidationError("unsupported_media_type", "Form bodies are not accepted here")
		}
		if err := parseForm(r, mediaType); err != nil {
			return err
		}
		if err := fd.DecodeForm(r.PostForm); err != nil {
			return err
		}

	default:
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				return err
			case errors.Is(err, io.EOF):
				return apierrors.ValidationError("empty_request_body", "Request body is empty")
			default:
				return apierrors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
			}
		}
	}

	return v.Validate()
}

func parseForm(r *http.Request, mediaType string) error {
	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(1 << 20)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return apierrors.ValidationError("invalid_form", "Invalid form body: "+err.Error())
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return apierrors.ValidationError("required_field_missing", field+" is required")
	}
	return nil
}

// MaxLength validates that a string is not longer than maxLen bytes
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return apierrors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Between validates that min <= value <= max
func Between(field string, value, min, max int) error {
	if value < min || value > max {
		return apierrors.ValidationError(
			"out_of_range",
			field+" must be between "+strconv.Itoa(min)+" and "+strconv.Itoa(max),
		)
	}
	return nil
}

// Int parses an optional integer field. An empty value yields def.
func Int(field, value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, apierrors.ValidationError("invalid_number", field+" must be an integer")
	}
	return n, nil
}
