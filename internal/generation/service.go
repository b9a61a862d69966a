package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/quickbrushlabs/quickbrush/pkg/brushstroke"
)

const (
	maxDescriptionLength = 2000

	// A user keeps at most this many stored images; the oldest are dropped
	// to make room rather than failing the request.
	defaultImageSlotCap = 100
)

// Store is the persistence surface for generation records.
type Store interface {
	CreateGeneration(ctx context.Context, record Record) (Record, error)
	UpdateGenerationOutcome(ctx context.Context, generationID string, status Status, refinedPrompt string, imageData []byte) error
	GetGeneration(ctx context.Context, userID string, generationID string) (*Record, error)
	ListGenerations(ctx context.Context, userID string, limit int) ([]Record, error)
	CountGenerations(ctx context.Context, userID string) (int, error)
	DeleteOldestGenerations(ctx context.Context, userID string, count int) error
}

// BalanceRecorder is the slice of the balance engine the service consumes.
type BalanceRecorder interface {
	RecordUsage(ctx context.Context, userID brushstroke.UserID, amount brushstroke.Brushstrokes, generationRef *brushstroke.GenerationRef, description string, metadata brushstroke.MetadataJSON) (brushstroke.Transaction, error)
}

// PromptRefiner turns a raw user description into a drawing prompt.
type PromptRefiner interface {
	Refine(ctx context.Context, generationType Type, description string) (string, error)
}

// ImageRenderer produces the final image bytes for a refined prompt.
type ImageRenderer interface {
	Render(ctx context.Context, prompt string, aspect AspectRatio, quality Quality) ([]byte, error)
}

// RequestGate admits or rejects a generation attempt for a user.
type RequestGate interface {
	Allow(ctx context.Context, userID string) error
}

// Service runs the full generation flow: admission, charge, refinement,
// rendering, persistence.
type Service struct {
	store    Store
	balances BalanceRecorder
	refiner  PromptRefiner
	renderer ImageRenderer
	gate     RequestGate
	slotCap  int
	nowFn    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithImageSlotCap overrides the per-user stored image cap.
func WithImageSlotCap(cap int) ServiceOption {
	return func(service *Service) {
		if cap > 0 {
			service.slotCap = cap
		}
	}
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(service *Service) {
		if now != nil {
			service.nowFn = now
		}
	}
}

// NewService wires the generation service.
func NewService(store Store, balances BalanceRecorder, refiner PromptRefiner, renderer ImageRenderer, gate RequestGate, options ...ServiceOption) (*Service, error) {
	if store == nil || balances == nil || refiner == nil || renderer == nil || gate == nil {
		return nil, fmt.Errorf("generation: nil dependency")
	}
	service := &Service{
		store:    store,
		balances: balances,
		refiner:  refiner,
		renderer: renderer,
		gate:     gate,
		slotCap:  defaultImageSlotCap,
		nowFn:    time.Now,
	}
	for _, option := range options {
		option(service)
	}
	return service, nil
}

// Generate runs one attempt. The brushstroke charge lands before the image
// is rendered: the user pays for the attempt, and a rendering failure marks
// the record failed without refunding. When the charge itself is declined
// the record is marked failed and the engine error passes through.
func (service *Service) Generate(ctx context.Context, request Request) (Record, error) {
	if err := request.Validate(); err != nil {
		return Record{}, err
	}
	if err := service.gate.Allow(ctx, request.UserID); err != nil {
		return Record{}, err
	}
	if err := service.reclaimSlots(ctx, request.UserID); err != nil {
		return Record{}, err
	}

	cost := request.Quality.Cost()
	record, err := service.store.CreateGeneration(ctx, Record{
		UserID:            request.UserID,
		Type:              request.Type,
		Quality:           request.Quality,
		AspectRatio:       request.AspectRatio,
		Description:       request.Description,
		Status:            StatusPending,
		BrushstrokesSpent: cost,
		CreatedUnixUTC:    service.nowFn().UTC().Unix(),
	})
	if err != nil {
		return Record{}, err
	}

	if err := service.charge(ctx, request, record.GenerationID, cost); err != nil {
		if updateErr := service.store.UpdateGenerationOutcome(ctx, record.GenerationID, StatusFailed, "", nil); updateErr != nil {
			return Record{}, fmt.Errorf("mark failed after charge error %v: %w", err, updateErr)
		}
		return Record{}, err
	}

	refined, err := service.refiner.Refine(ctx, request.Type, request.Description)
	if err != nil {
		return service.fail(ctx, record, err)
	}
	imageData, err := service.renderer.Render(ctx, refined, request.AspectRatio, request.Quality)
	if err != nil {
		record.RefinedPrompt = refined
		return service.fail(ctx, record, err)
	}

	if err := service.store.UpdateGenerationOutcome(ctx, record.GenerationID, StatusCompleted, refined, imageData); err != nil {
		return Record{}, err
	}
	record.Status = StatusCompleted
	record.RefinedPrompt = refined
	record.ImageData = imageData
	return record, nil
}

// Get returns one generation owned by the user.
func (service *Service) Get(ctx context.Context, userID string, generationID string) (Record, error) {
	record, err := service.store.GetGeneration(ctx, userID, generationID)
	if err != nil {
		return Record{}, err
	}
	if record == nil {
		return Record{}, ErrUnknownGeneration
	}
	return *record, nil
}

// Image returns the stored image bytes for a completed generation.
func (service *Service) Image(ctx context.Context, userID string, generationID string) ([]byte, error) {
	record, err := service.Get(ctx, userID, generationID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusCompleted || len(record.ImageData) == 0 {
		return nil, ErrImageNotReady
	}
	return record.ImageData, nil
}

// List returns a user's most recent generations.
func (service *Service) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	return service.store.ListGenerations(ctx, userID, limit)
}

func (service *Service) charge(ctx context.Context, request Request, generationID string, cost int64) error {
	userID, err := brushstroke.NewUserID(request.UserID)
	if err != nil {
		return err
	}
	amount, err := brushstroke.NewBrushstrokes(cost)
	if err != nil {
		return err
	}
	generationRef, err := brushstroke.NewGenerationRef(generationID)
	if err != nil {
		return err
	}
	metadata, err := brushstroke.NewMetadataJSON(fmt.Sprintf(`{"type":%q,"quality":%q}`, request.Type, request.Quality))
	if err != nil {
		return err
	}
	description := fmt.Sprintf("Generated %s image (%s quality)", request.Type, request.Quality)
	_, err = service.balances.RecordUsage(ctx, userID, amount, &generationRef, description, metadata)
	return err
}

func (service *Service) fail(ctx context.Context, record Record, cause error) (Record, error) {
	if err := service.store.UpdateGenerationOutcome(ctx, record.GenerationID, StatusFailed, record.RefinedPrompt, nil); err != nil {
		return Record{}, fmt.Errorf("mark failed after %v: %w", cause, err)
	}
	return Record{}, cause
}

func (service *Service) reclaimSlots(ctx context.Context, userID string) error {
	count, err := service.store.CountGenerations(ctx, userID)
	if err != nil {
		return err
	}
	if count < service.slotCap {
		return nil
	}
	return service.store.DeleteOldestGenerations(ctx, userID, count-service.slotCap+1)
}
