package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"giveaway/internal/models"
	"giveaway/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/google/logger"
)

// AuthorizationGate decides whether a subject may act. A nil error means yes.
type AuthorizationGate interface {
	CanCreateDraw(subject models.Subject, userID string, game *models.Game) error
	CanReadDraws(subject models.Subject, filter models.DrawFilter) error
}

// WinPublisher announces committed wins, e.g. to a live feed.
type WinPublisher interface {
	PublishWin(ctx context.Context, ev *models.DrawEvent) error
}

// Recorder receives draw outcomes and stock lock waits.
type Recorder interface {
	ObserveDraw(outcome string)
	ObserveLockWait(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDraw(string)            {}
func (nopRecorder) ObserveLockWait(time.Duration) {}

// Draw outcomes reported to the Recorder besides the ErrorKind values.
const (
	OutcomeWin  = "win"
	OutcomeLose = "lose"
)

// DrawRequest asks to draw in GameID on behalf of UserID. Subject is the
// authenticated caller and must be UserID.
type DrawRequest struct {
	Subject models.Subject
	UserID  string `validate:"required,max=64"`
	GameID  int64  `validate:"gt=0"`
}

// NextDraw tells whether a draw is allowed now and, if not, when it will be.
type NextDraw struct {
	Allowed     bool      `json:"allowed"`
	WaitSeconds int64     `json:"waitSeconds"`
	NextDrawAt  time.Time `json:"nextDrawAt"`
}

// DrawService runs draws against the prize pools of games.
type DrawService struct {
	games       storage.GameLookup
	inventory   storage.InventoryStore
	ledger      storage.DrawEventLedger
	gate        AuthorizationGate
	limiter     *RateLimiter
	cooldown    CooldownPolicy
	rng         RandomSource
	lockTimeout time.Duration
	publisher   WinPublisher
	recorder    Recorder
	validate    *validator.Validate
	now         func() time.Time
}

// Option configures a DrawService.
type Option func(*DrawService)

// WithRandom sets the source for win rolls and prize selection.
func WithRandom(rng RandomSource) Option {
	return func(s *DrawService) { s.rng = rng }
}

// WithClock sets the clock used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(s *DrawService) { s.now = now }
}

// WithCooldownPolicy sets the per-game cooldown.
func WithCooldownPolicy(p CooldownPolicy) Option {
	return func(s *DrawService) { s.cooldown = p }
}

// WithLockTimeout bounds the locked phase of a winning draw. Zero disables the bound.
func WithLockTimeout(d time.Duration) Option {
	return func(s *DrawService) { s.lockTimeout = d }
}

// WithPublisher announces wins after they commit.
func WithPublisher(p WinPublisher) Option {
	return func(s *DrawService) { s.publisher = p }
}

// WithRecorder reports outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(s *DrawService) { s.recorder = r }
}

// NewDrawService creates a DrawService with crypto randomness, a 30s cooldown
// and a 5s lock timeout unless overridden by opts.
func NewDrawService(games storage.GameLookup, inventory storage.InventoryStore, ledger storage.DrawEventLedger, gate AuthorizationGate, opts ...Option) *DrawService {
	s := &DrawService{
		games:       games,
		inventory:   inventory,
		ledger:      ledger,
		gate:        gate,
		cooldown:    FixedCooldown(DefaultCooldown),
		rng:         NewCryptoRandom(),
		lockTimeout: 5 * time.Second,
		recorder:    nopRecorder{},
		validate:    validator.New(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = NewRateLimiter(s.now)
	return s
}

// RollWin reports a win when the sample is strictly below winRate.
func RollWin(winRate float64, rng RandomSource) bool {
	return rng.Float64() < winRate
}

// Draw performs one draw. A winning draw selects a prize, decrements its
// stock and records the event in a single locked transaction; a losing draw
// only records the event.
func (s *DrawService) Draw(ctx context.Context, req DrawRequest) (*models.DrawEvent, error) {
	game, err := s.validateRequest(ctx, req)
	if err != nil {
		return nil, s.reject(req, err)
	}
	if err := s.gate.CanCreateDraw(req.Subject, req.UserID, game); err != nil {
		return nil, s.reject(req, err)
	}

	inStock, err := s.inventory.CountInStock(ctx, game.ID)
	if err != nil {
		return nil, s.reject(req, fmt.Errorf("count prizes in stock: %w", err))
	}
	if inStock == 0 {
		return nil, s.reject(req, ErrNoPrizesInStock)
	}

	if err := s.authorizeCreate(ctx, req, game, s.ledger.LastDrawEvent); err != nil {
		return nil, s.reject(req, err)
	}

	if !RollWin(game.WinRate, s.rng) {
		ev := s.ledger.NewEvent(req.UserID, game.ID)
		if err := s.ledger.AppendEvent(ctx, ev); err != nil {
			return nil, s.reject(req, fmt.Errorf("record losing draw: %w", err))
		}
		s.recorder.ObserveDraw(OutcomeLose)
		logger.Infof("draw: user=%s game=%d outcome=lose", req.UserID, game.ID)
		return ev, nil
	}

	ev, err := s.drawWinning(ctx, req, game)
	if err != nil {
		return nil, s.reject(req, err)
	}
	s.recorder.ObserveDraw(OutcomeWin)
	logger.Infof("draw: user=%s game=%d outcome=win prize=%d", req.UserID, game.ID, *ev.PrizeID)

	if s.publisher != nil {
		if err := s.publisher.PublishWin(ctx, ev); err != nil {
			logger.Warningf("draw: publish win %s: %v", ev.ID, err)
		}
	}
	return ev, nil
}

func (s *DrawService) drawWinning(ctx context.Context, req DrawRequest, game *models.Game) (*models.DrawEvent, error) {
	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}

	var won *models.DrawEvent
	waitStart := time.Now()
	err := s.inventory.WithLockedStock(lockCtx, game.ID, func(locked []*models.Prize, tx storage.StockTx) error {
		s.recorder.ObserveLockWait(time.Since(waitStart))

		// Authorize again against the ledger as seen inside the locked scope.
		if err := s.authorizeCreate(lockCtx, req, game, tx.LastDrawEvent); err != nil {
			return err
		}
		if len(locked) == 0 {
			return ErrNoPrizesInStock
		}

		idx, err := SelectWeighted(locked, PrizeWeight, s.rng)
		if errors.Is(err, ErrZeroTotalWeight) {
			return ErrNoPrizesInStock
		} else if err != nil {
			return fmt.Errorf("select prize in game %d: %w", game.ID, err)
		}

		prize := locked[idx]
		prize.CurrentStock--
		if err := tx.SavePrize(lockCtx, prize); err != nil {
			return fmt.Errorf("save prize %d: %w", prize.ID, err)
		}

		ev := s.ledger.NewEvent(req.UserID, game.ID)
		ev.PrizeID = &prize.ID
		ev.Prize = prize
		if err := tx.AppendEvent(lockCtx, ev); err != nil {
			return fmt.Errorf("record winning draw: %w", err)
		}
		won = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return won, nil
}

// NextDrawTime runs the draw eligibility checks without drawing.
func (s *DrawService) NextDrawTime(ctx context.Context, req DrawRequest) (*NextDraw, error) {
	game, err := s.validateRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.gate.CanCreateDraw(req.Subject, req.UserID, game); err != nil {
		return nil, err
	}

	now := s.now()
	err = s.authorizeCreate(ctx, req, game, s.ledger.LastDrawEvent)
	var rateErr *RateLimitError
	switch {
	case err == nil:
		return &NextDraw{Allowed: true, NextDrawAt: now}, nil
	case errors.As(err, &rateErr):
		wait := rateErr.TryAgainAt.Sub(now)
		return &NextDraw{
			WaitSeconds: int64(math.Ceil(wait.Seconds())),
			NextDrawAt:  rateErr.TryAgainAt,
		}, nil
	default:
		return nil, err
	}
}

// ListDraws returns draw history visible to subject, newest first. A
// non-admin subject without a user filter sees their own history.
func (s *DrawService) ListDraws(ctx context.Context, subject models.Subject, filter models.DrawFilter) ([]*models.DrawEvent, error) {
	if filter.UserID == "" && !subject.IsAdmin() {
		filter.UserID = subject.UserID
	}
	if err := s.gate.CanReadDraws(subject, filter); err != nil {
		return nil, err
	}
	events, err := s.ledger.ListDrawEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list draws: %w", err)
	}
	return events, nil
}

func (s *DrawService) validateRequest(ctx context.Context, req DrawRequest) (*models.Game, error) {
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, &ValidationError{Field: fieldErrs[0].Field(), Reason: "failed " + fieldErrs[0].Tag()}
		}
		return nil, &ValidationError{Field: "request", Reason: err.Error()}
	}

	game, err := s.games.FindGame(ctx, req.GameID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrGameNotFound
	} else if err != nil {
		return nil, fmt.Errorf("find game %d: %w", req.GameID, err)
	}
	return game, nil
}

// authorizeCreate checks that the subject draws for themselves and, unless
// admin, that their cooldown elapsed according to lookup.
func (s *DrawService) authorizeCreate(ctx context.Context, req DrawRequest, game *models.Game, lookup LastEventLookup) error {
	if req.Subject.UserID == "" || req.Subject.UserID != req.UserID {
		return ErrPermissionDenied
	}
	if req.Subject.IsAdmin() {
		return nil
	}
	return s.limiter.CheckEligible(ctx, req.UserID, game.ID, s.cooldown(game.ID), lookup)
}

func (s *DrawService) reject(req DrawRequest, err error) error {
	kind := ErrorKind(err)
	s.recorder.ObserveDraw(kind)
	if kind == KindInternal {
		logger.Errorf("draw: user=%s game=%d: %v", req.UserID, req.GameID, err)
	} else {
		logger.Infof("draw: user=%s game=%d rejected: %v", req.UserID, req.GameID, err)
	}
	return err
}

// Error kinds, used as metric labels and by the transport layer.
const (
	KindPermissionDenied = "permission_denied"
	KindRateLimited      = "rate_limited"
	KindOutOfStock       = "out_of_stock"
	KindInvalid          = "invalid"
	KindNotFound         = "not_found"
	KindLockContention   = "lock_contention"
	KindInternal         = "internal"
)

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrNoPrizesInStock):
		return KindOutOfStock
	case errors.Is(err, ErrValidation):
		return KindInvalid
	case errors.Is(err, ErrGameNotFound):
		return KindNotFound
	case errors.Is(err, ErrLockContention):
		return KindLockContention
	default:
		return KindInternal
	}
}
