package device

import (
	"fmt"
	"strings"

	"github.com/nerrad567/fieldlink/internal/protocol"
)

// Validation constants.
const (
	maxNameLength     = 100
	maxTypeLength     = 50
	maxLocationLength = 100

	// Size limits for device-supplied telemetry to prevent memory exhaustion.
	maxTelemetryFields = 100
	maxStringValueLen  = 1024
	maxFieldNameLen    = 64
)

// ValidateName checks if a device name is valid.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateType checks if a device type is valid.
func ValidateType(t string) error {
	t = strings.TrimSpace(t)
	if t == "" {
		return fmt.Errorf("%w: type cannot be empty", ErrInvalidType)
	}
	if len(t) > maxTypeLength {
		return fmt.Errorf("%w: type exceeds %d characters", ErrInvalidType, maxTypeLength)
	}
	return nil
}

// ValidateLocation checks a location tag. Empty clears it.
func ValidateLocation(loc string) error {
	if len(loc) > maxLocationLength {
		return fmt.Errorf("%w: location exceeds %d characters", ErrInvalidLocation, maxLocationLength)
	}
	return nil
}

// ValidateMetadata validates every field set in m.
func ValidateMetadata(m Metadata) error {
	if m.Name != nil {
		if err := ValidateName(*m.Name); err != nil {
			return err
		}
	}
	if m.Type != nil {
		if err := ValidateType(*m.Type); err != nil {
			return err
		}
	}
	if m.Location != nil {
		if err := ValidateLocation(*m.Location); err != nil {
			return err
		}
	}
	return nil
}

// validateReading enforces size limits on decoded device data.
func validateReading(r protocol.Reading) error {
	if len(r.Fields) > maxTelemetryFields {
		return tooLarge(fmt.Sprintf("%d fields exceeds limit of %d", len(r.Fields), maxTelemetryFields))
	}
	for key, value := range r.Fields {
		if len(key) > maxFieldNameLen {
			return tooLarge(fmt.Sprintf("field name %.16q... exceeds %d characters", key, maxFieldNameLen))
		}
		if s, ok := value.(string); ok && len(s) > maxStringValueLen {
			return tooLarge(fmt.Sprintf("field %q exceeds %d characters", key, maxStringValueLen))
		}
	}
	return nil
}

func tooLarge(detail string) error {
	return &protocol.MalformedMessageError{Reason: protocol.ReasonPayload, Detail: detail}
}
