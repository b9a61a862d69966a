package generation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGenerationType = errors.New("invalid generation type")
	ErrInvalidQuality        = errors.New("invalid quality")
	ErrInvalidAspectRatio    = errors.New("invalid aspect ratio")
	ErrInvalidDescription    = errors.New("invalid description")
	ErrUnknownGeneration     = errors.New("unknown generation")
	ErrImageNotReady         = errors.New("image not ready")
)

// Type is the closed set of supported generation subjects. Each type carries
// its own prompt framing; unknown types are rejected, not passed through.
type Type string

const (
	TypeCharacter Type = "character"
	TypeScene     Type = "scene"
	TypeCreature  Type = "creature"
	TypeItem      Type = "item"
)

// ParseType validates a generation type.
func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case TypeCharacter, TypeScene, TypeCreature, TypeItem:
		return Type(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGenerationType, raw)
	}
}

// Quality selects the output fidelity and fixes the brushstroke cost.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ParseQuality validates a quality level.
func ParseQuality(raw string) (Quality, error) {
	switch Quality(raw) {
	case QualityLow, QualityMedium, QualityHigh:
		return Quality(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidQuality, raw)
	}
}

// Cost returns the brushstroke price of one generation at this quality.
func (quality Quality) Cost() int64 {
	switch quality {
	case QualityLow:
		return 1
	case QualityMedium:
		return 3
	default:
		return 5
	}
}

// AspectRatio selects the output dimensions.
type AspectRatio string

const (
	AspectSquare    AspectRatio = "square"
	AspectLandscape AspectRatio = "landscape"
	AspectPortrait  AspectRatio = "portrait"
)

// ParseAspectRatio validates an aspect ratio.
func ParseAspectRatio(raw string) (AspectRatio, error) {
	switch AspectRatio(raw) {
	case AspectSquare, AspectLandscape, AspectPortrait:
		return AspectRatio(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAspectRatio, raw)
	}
}

// PixelSize returns the WIDTHxHEIGHT string the image API expects.
func (aspect AspectRatio) PixelSize() string {
	switch aspect {
	case AspectLandscape:
		return "1536x1024"
	case AspectPortrait:
		return "1024x1536"
	default:
		return "1024x1024"
	}
}

// Status tracks a generation through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request is a validated generation request.
type Request struct {
	UserID      string
	Type        Type
	Quality     Quality
	AspectRatio AspectRatio
	Description string
}

// Validate checks the request fields. Descriptions are capped to keep prompt
// sizes bounded.
func (request Request) Validate() error {
	if strings.TrimSpace(request.UserID) == "" {
		return errors.New("generation: empty user id")
	}
	if _, err := ParseType(string(request.Type)); err != nil {
		return err
	}
	if _, err := ParseQuality(string(request.Quality)); err != nil {
		return err
	}
	if _, err := ParseAspectRatio(string(request.AspectRatio)); err != nil {
		return err
	}
	description := strings.TrimSpace(request.Description)
	if description == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDescription)
	}
	if len(description) > maxDescriptionLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	return nil
}

// Record is the stored view of one generation attempt.
type Record struct {
	GenerationID      string
	UserID            string
	Type              Type
	Quality           Quality
	AspectRatio       AspectRatio
	Description       string
	RefinedPrompt     string
	Status            Status
	BrushstrokesSpent int64
	ImageData         []byte
	CreatedUnixUTC    int64
}
