package trailing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// Exchange is the part of the exchange client the manager drives.
type Exchange interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceStopOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	PlaceTrailingStopOrder(ctx context.Context, req domain.OrderRequest, activationPrice, callbackRate float64) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Config holds the trailing parameters shared by every tracked position.
type Config struct {
	Mode             domain.TrailingMode
	ActivationROI    float64 // native: arm once ROI reaches this percent
	CallbackRate     float64 // native/hybrid: exchange callback distance in percent
	Levels           []domain.TrailLevel
	PollInterval     time.Duration
	FetchTimeout     time.Duration
	FallbackToManual bool // hybrid: use the ladder when native placement fails
}

// TrackRequest registers an open exchange position with the manager.
type TrackRequest struct {
	PositionID  string
	Symbol      string
	Direction   domain.Direction
	EntryPrice  float64
	Quantity    float64
	Leverage    int
	InitialStop float64 // placed immediately when positive
}

type tracked struct {
	state   domain.TrailingStopState
	busy    bool // an exchange update is in flight
	removed bool
	// pending holds client ids of placements that reported failure. The
	// exchange may still have accepted them, so they are cancelled before
	// the next placement and on untrack.
	pending []string
}

func (t *tracked) addPending(clientID string) {
	for _, id := range t.pending {
		if id == clientID {
			return
		}
	}
	t.pending = append(t.pending, clientID)
}

func (t *tracked) dropPending(clientID string) {
	for i, id := range t.pending {
		if id == clientID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

type actionKind int

const (
	actNone actionKind = iota
	actReplace
	actArmNative
)

type action struct {
	kind  actionKind
	level int
	stop  float64
}

// Manager owns the TrailingStopState of every tracked position. Exchange
// calls happen outside the lock; a position with an update in flight skips
// further updates until it completes, so one replacement runs at a time.
type Manager struct {
	cfg    Config
	ex     Exchange
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*tracked
}

// NewManager creates a Manager.
func NewManager(cfg Config, ex Exchange, logger *slog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 3 * time.Second
	}
	if !cfg.Mode.Valid() {
		cfg.Mode = domain.TrailingManual
	}
	return &Manager{
		cfg:    cfg,
		ex:     ex,
		logger: logger.With(slog.String("component", "trailing")),
		now:    time.Now,
		states: make(map[string]*tracked),
	}
}

// Mode returns the configured trailing mode.
func (m *Manager) Mode() domain.TrailingMode {
	return m.cfg.Mode
}

// Track starts managing a position. Tracking an already tracked id returns
// its current state unchanged.
func (m *Manager) Track(ctx context.Context, req TrackRequest) (domain.TrailingStopState, error) {
	if req.PositionID == "" || req.Symbol == "" {
		return domain.TrailingStopState{}, errors.New("trailing: position id and symbol are required")
	}
	if req.EntryPrice <= 0 || req.Quantity <= 0 || req.Leverage < 1 {
		return domain.TrailingStopState{}, fmt.Errorf("trailing: invalid position %s: entry, quantity and leverage must be positive", req.PositionID)
	}

	m.mu.Lock()
	if t, ok := m.states[req.PositionID]; ok {
		snap := t.state
		m.mu.Unlock()
		return snap, nil
	}
	t := &tracked{state: domain.TrailingStopState{
		PositionID:  req.PositionID,
		Symbol:      req.Symbol,
		Direction:   req.Direction,
		EntryPrice:  req.EntryPrice,
		Quantity:    req.Quantity,
		Leverage:    req.Leverage,
		PeakPrice:   req.EntryPrice,
		TroughPrice: req.EntryPrice,
		Mode:        m.cfg.Mode,
		UpdatedAt:   m.now(),
	}}
	placeInitial := req.InitialStop > 0
	t.busy = placeInitial
	snap := t.state
	m.states[req.PositionID] = t
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "trailing: tracking position",
		slog.String("position_id", req.PositionID),
		slog.String("symbol", req.Symbol),
		slog.String("mode", string(m.cfg.Mode)),
	)
	if !placeInitial {
		return snap, nil
	}

	res := m.placeStop(ctx, snap, req.InitialStop, 0)
	return m.complete(ctx, t, func(s *domain.TrailingStopState) string {
		if !res.Success {
			t.addPending(ClientOrderID(s.PositionID, 0))
			m.logger.WarnContext(ctx, "trailing: initial stop not placed",
				slog.String("position_id", s.PositionID),
				slog.String("error", res.Error),
			)
			return ""
		}
		s.StopPrice = req.InitialStop
		s.StopOrderID = res.OrderID
		return res.OrderID
	}), nil
}

// Untrack stops managing a position and cancels any stop orders it still
// owns. Unknown ids are ignored, so repeated calls are safe.
func (m *Manager) Untrack(ctx context.Context, positionID string) {
	m.mu.Lock()
	t, ok := m.states[positionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.states, positionID)
	t.removed = true
	snap := t.state
	pending := t.pending
	t.pending = nil
	m.mu.Unlock()

	for _, id := range append([]string{snap.StopOrderID, snap.NativeOrderID}, pending...) {
		m.cancelQuietly(ctx, snap.Symbol, id)
	}
	m.logger.InfoContext(ctx, "trailing: position untracked", slog.String("position_id", positionID))
}

// State returns a copy of the state for positionID.
func (m *Manager) State(positionID string) (domain.TrailingStopState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.states[positionID]
	if !ok {
		return domain.TrailingStopState{}, false
	}
	return t.state, true
}

// States returns copies of every tracked state ordered by position id.
func (m *Manager) States() []domain.TrailingStopState {
	m.mu.Lock()
	out := make([]domain.TrailingStopState, 0, len(m.states))
	for _, t := range m.states {
		out = append(out, t.state)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// OnPrice applies a price update to one position and performs whatever stop
// change it triggers.
func (m *Manager) OnPrice(ctx context.Context, positionID string, price float64) (domain.TrailingStopState, error) {
	m.mu.Lock()
	t, ok := m.states[positionID]
	if !ok {
		m.mu.Unlock()
		return domain.TrailingStopState{}, fmt.Errorf("trailing: position %s: %w", positionID, domain.ErrNotFound)
	}
	if price <= 0 {
		snap := t.state
		m.mu.Unlock()
		return snap, nil
	}
	s := &t.state
	if price > s.PeakPrice {
		s.PeakPrice = price
	}
	if s.TroughPrice <= 0 || price < s.TroughPrice {
		s.TroughPrice = price
	}
	s.UpdatedAt = m.now()

	if t.busy {
		snap := *s
		m.mu.Unlock()
		return snap, nil
	}
	act := m.decide(s, price)
	if act.kind == actNone {
		snap := *s
		m.mu.Unlock()
		return snap, nil
	}
	t.busy = true
	snap := *s
	m.mu.Unlock()

	switch act.kind {
	case actReplace:
		return m.replaceStop(ctx, t, snap, act), nil
	default:
		return m.armNative(ctx, t, snap, price), nil
	}
}

// decide picks the next action for s at price. Caller holds m.mu.
func (m *Manager) decide(s *domain.TrailingStopState, price float64) action {
	roi := ROIPercent(s.Direction, s.EntryPrice, price, s.Leverage)

	switch s.Mode {
	case domain.TrailingNative:
		if !s.Active && roi+roiEpsilon >= m.cfg.ActivationROI {
			return action{kind: actArmNative}
		}
	case domain.TrailingHybrid:
		if !s.Active && HighestLevel(m.cfg.Levels, roi) > 0 {
			return action{kind: actArmNative, level: HighestLevel(m.cfg.Levels, roi)}
		}
	default:
		level, stop, ok := LadderStop(m.cfg.Levels, s.Direction, s.EntryPrice, s.Leverage, roi)
		if !ok || level <= s.Level {
			return action{}
		}
		if !domain.MoreProtective(s.Direction, stop, s.StopPrice) {
			// The live stop is already tighter than this level's.
			s.Level = level
			s.Active = true
			return action{}
		}
		return action{kind: actReplace, level: level, stop: stop}
	}
	return action{}
}

// replaceStop cancels the live stop then places the tighter one. If the
// cancel fails nothing is placed and the next tick retries. The client order
// id is fixed per (position, level); a placement that reported failure is
// cancelled by that id before the next one, so an order the exchange did
// accept cannot linger as a second live stop.
func (m *Manager) replaceStop(ctx context.Context, t *tracked, snap domain.TrailingStopState, act action) domain.TrailingStopState {
	if !m.cancelLive(ctx, t, snap) {
		return m.complete(ctx, t, nil)
	}

	res := m.placeStop(ctx, snap, act.stop, act.level)
	return m.complete(ctx, t, func(s *domain.TrailingStopState) string {
		if !res.Success {
			t.addPending(ClientOrderID(s.PositionID, act.level))
			m.logger.WarnContext(ctx, "trailing: stop placement failed, retrying next tick",
				slog.String("position_id", s.PositionID),
				slog.Int("level", act.level),
				slog.String("error", res.Error),
			)
			return ""
		}
		prev := s.StopPrice
		s.StopPrice = act.stop
		s.Level = act.level
		s.Active = true
		s.StopOrderID = res.OrderID
		m.logger.InfoContext(ctx, "trailing: stop moved",
			slog.String("position_id", s.PositionID),
			slog.String("symbol", s.Symbol),
			slog.Int("level", act.level),
			slog.Float64("from", prev),
			slog.Float64("to", act.stop),
		)
		return res.OrderID
	})
}

// armNative hands trailing over to the exchange. On failure a hybrid
// position may fall back to the ladder; otherwise the previous stop is
// restored.
func (m *Manager) armNative(ctx context.Context, t *tracked, snap domain.TrailingStopState, price float64) domain.TrailingStopState {
	if !m.cancelLive(ctx, t, snap) {
		return m.complete(ctx, t, nil)
	}

	res, err := m.ex.PlaceTrailingStopOrder(ctx, domain.OrderRequest{
		Symbol:        snap.Symbol,
		Side:          domain.ExitSide(snap.Direction),
		Quantity:      snap.Quantity,
		ReduceOnly:    true,
		ClientOrderID: NativeClientOrderID(snap.PositionID),
	}, 0, m.cfg.CallbackRate)
	if err != nil {
		res = domain.OrderResult{Error: err.Error()}
	}
	if res.Success {
		roi := ROIPercent(snap.Direction, snap.EntryPrice, price, snap.Leverage)
		return m.complete(ctx, t, func(s *domain.TrailingStopState) string {
			s.Active = true
			s.NativeOrderID = res.OrderID
			s.StopOrderID = ""
			if s.Mode == domain.TrailingHybrid {
				s.Level = HighestLevel(m.cfg.Levels, roi)
			}
			m.logger.InfoContext(ctx, "trailing: native trailing armed",
				slog.String("position_id", s.PositionID),
				slog.String("symbol", s.Symbol),
				slog.Float64("callback_rate", m.cfg.CallbackRate),
			)
			return res.OrderID
		})
	}

	m.mu.Lock()
	t.addPending(NativeClientOrderID(snap.PositionID))
	m.mu.Unlock()
	m.logger.WarnContext(ctx, "trailing: native trailing placement failed",
		slog.String("position_id", snap.PositionID),
		slog.String("error", res.Error),
	)

	if snap.Mode == domain.TrailingHybrid && m.cfg.FallbackToManual {
		m.complete(ctx, t, func(s *domain.TrailingStopState) string {
			s.Mode = domain.TrailingManual
			return ""
		})
		m.logger.WarnContext(ctx, "trailing: falling back to manual ladder", slog.String("position_id", snap.PositionID))
		st, err := m.OnPrice(ctx, snap.PositionID, price)
		if err != nil {
			return snap
		}
		return st
	}

	if snap.StopOrderID == "" || snap.StopPrice <= 0 {
		return m.complete(ctx, t, nil)
	}
	restored := m.placeStop(ctx, snap, snap.StopPrice, snap.Level)
	return m.complete(ctx, t, func(s *domain.TrailingStopState) string {
		if !restored.Success {
			t.addPending(ClientOrderID(s.PositionID, snap.Level))
			m.logger.ErrorContext(ctx, "trailing: previous stop could not be restored",
				slog.String("position_id", s.PositionID),
				slog.String("error", restored.Error),
			)
			return ""
		}
		s.StopOrderID = restored.OrderID
		return restored.OrderID
	})
}

// cancelLive cancels snap's live stop order, if any, and clears it from the
// state. It reports false when the cancel failed.
func (m *Manager) cancelLive(ctx context.Context, t *tracked, snap domain.TrailingStopState) bool {
	if !m.cancelPending(ctx, t, snap) {
		return false
	}
	if snap.StopOrderID == "" {
		return true
	}
	if err := m.ex.CancelOrder(ctx, snap.Symbol, snap.StopOrderID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.WarnContext(ctx, "trailing: cancel stop failed, retrying next tick",
			slog.String("position_id", snap.PositionID),
			slog.String("order_id", snap.StopOrderID),
			slog.String("error", err.Error()),
		)
		return false
	}
	m.mu.Lock()
	if t.state.StopOrderID == snap.StopOrderID {
		t.state.StopOrderID = ""
	}
	m.mu.Unlock()
	return true
}

// cancelPending cancels, by client id, every placement of t whose outcome
// is unknown. It reports false when one of them could not be cancelled.
func (m *Manager) cancelPending(ctx context.Context, t *tracked, snap domain.TrailingStopState) bool {
	m.mu.Lock()
	ids := append([]string(nil), t.pending...)
	m.mu.Unlock()

	ok := true
	for _, id := range ids {
		if err := m.ex.CancelOrder(ctx, snap.Symbol, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "trailing: cancel unconfirmed stop failed, retrying next tick",
				slog.String("position_id", snap.PositionID),
				slog.String("client_order_id", id),
				slog.String("error", err.Error()),
			)
			ok = false
			continue
		}
		m.mu.Lock()
		t.dropPending(id)
		m.mu.Unlock()
	}
	return ok
}

// complete applies update under the lock and clears the busy flag. update
// returns the id of any order it recorded; if the position was untracked
// meanwhile that order and any unconfirmed ones are cancelled.
func (m *Manager) complete(ctx context.Context, t *tracked, update func(*domain.TrailingStopState) string) domain.TrailingStopState {
	m.mu.Lock()
	var placed string
	if update != nil {
		placed = update(&t.state)
	}
	t.busy = false
	t.state.UpdatedAt = m.now()
	removed := t.removed
	snap := t.state
	var orphans []string
	if removed {
		orphans = append(t.pending, placed)
		t.pending = nil
	}
	m.mu.Unlock()

	for _, id := range orphans {
		m.cancelQuietly(ctx, snap.Symbol, id)
	}
	return snap
}

func (m *Manager) placeStop(ctx context.Context, snap domain.TrailingStopState, stop float64, level int) domain.OrderResult {
	res, err := m.ex.PlaceStopOrder(ctx, domain.OrderRequest{
		Symbol:        snap.Symbol,
		Side:          domain.ExitSide(snap.Direction),
		Quantity:      snap.Quantity,
		Price:         stop,
		ReduceOnly:    true,
		ClientOrderID: ClientOrderID(snap.PositionID, level),
	})
	if err != nil {
		return domain.OrderResult{Error: err.Error()}
	}
	return res
}

func (m *Manager) cancelQuietly(ctx context.Context, symbol, orderID string) {
	if orderID == "" {
		return
	}
	if err := m.ex.CancelOrder(ctx, symbol, orderID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		m.logger.WarnContext(ctx, "trailing: cancel failed",
			slog.String("symbol", symbol),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}

// Run polls mark prices every PollInterval and feeds them to OnPrice. A
// failed fetch skips that symbol until the next tick.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.logger.Info("trailing: poll loop started", slog.Duration("interval", m.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs one polling pass.
func (m *Manager) Poll(ctx context.Context) {
	bySymbol := make(map[string][]string)
	m.mu.Lock()
	for id, t := range m.states {
		if t.state.Mode == domain.TrailingNative && t.state.Active {
			continue
		}
		if t.state.Mode == domain.TrailingHybrid && t.state.Active {
			continue
		}
		bySymbol[t.state.Symbol] = append(bySymbol[t.state.Symbol], id)
	}
	m.mu.Unlock()

	for symbol, ids := range bySymbol {
		fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		price, err := m.ex.GetMarkPrice(fetchCtx, symbol)
		cancel()
		if err != nil {
			m.logger.DebugContext(ctx, "trailing: price fetch failed, skipping tick",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, id := range ids {
			if _, err := m.OnPrice(ctx, id, price); err != nil && !errors.Is(err, domain.ErrNotFound) {
				m.logger.WarnContext(ctx, "trailing: price update failed",
					slog.String("position_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ClientOrderID is the deterministic client id of the stop for positionID
// at ladder level.
func ClientOrderID(positionID string, level int) string {
	return "ts-" + shortHash(positionID) + "-" + strconv.Itoa(level)
}

// NativeClientOrderID is the deterministic client id of the exchange
// trailing order for positionID.
func NativeClientOrderID(positionID string) string {
	return "tn-" + shortHash(positionID)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
