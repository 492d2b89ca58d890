package purchases

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/assessly/assessly/internal/validation"
)

// Metadata keys written into processor objects at checkout.
const (
	MetaUserID       = "userId"
	MetaAssessmentID = "assessmentId"
	MetaContentType  = "contentType"
)

var validate = newValidator()

// newValidator registers the identifier rule the HTTP handlers use.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return validation.IsIdentifier(fl.Field().String())
	})
	return v
}

// Metadata is the typed form of the processor object's metadata map.
type Metadata struct {
	UserID       string `json:"userId" validate:"required,identifier"`
	AssessmentID string `json:"assessmentId" validate:"required,identifier"`
	ContentType  string `json:"contentType,omitempty" validate:"omitempty,max=64"`
}

// ParseMetadata extracts and validates checkout metadata. A missing or blank
// userId/assessmentId yields an error wrapping ErrMissingMetadata.
func ParseMetadata(raw map[string]string) (Metadata, error) {
	m := Metadata{
		UserID:       strings.TrimSpace(raw[MetaUserID]),
		AssessmentID: strings.TrimSpace(raw[MetaAssessmentID]),
		ContentType:  strings.TrimSpace(raw[MetaContentType]),
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	if m.ContentType == "" {
		m.ContentType = DefaultContentType
	}
	return m, nil
}

// Validate checks the required fields.
func (m Metadata) Validate() error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				fields = append(fields, fieldKey(fe.Field()))
			}
		}
		if len(fields) > 0 {
			return fmt.Errorf("%w: %s", ErrMissingMetadata, strings.Join(fields, ", "))
		}
	}
	return fmt.Errorf("purchases: invalid metadata: %w", err)
}

// Map renders the metadata in the processor's string-map form.
func (m Metadata) Map() map[string]string {
	out := map[string]string{
		MetaUserID:       m.UserID,
		MetaAssessmentID: m.AssessmentID,
	}
	if m.ContentType != "" {
		out[MetaContentType] = m.ContentType
	}
	return out
}

func fieldKey(structField string) string {
	switch structField {
	case "UserID":
		return MetaUserID
	case "AssessmentID":
		return MetaAssessmentID
	}
	return structField
}
