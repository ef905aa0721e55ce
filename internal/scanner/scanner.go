package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/cart"
	"kasirinaja/terminal/internal/catalog"
	"kasirinaja/terminal/internal/clock"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
)

type Outcome string

const (
	OutcomeFound      Outcome = "found"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeOutOfStock Outcome = "out_of_stock"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeError      Outcome = "error"
)

const (
	DefaultScanGap         = 50 * time.Millisecond
	DefaultScanSettle      = 100 * time.Millisecond
	DefaultTypingSettle    = 300 * time.Millisecond
	DefaultDuplicateWindow = time.Second
	DefaultLookupTimeout   = 10 * time.Second
)

type Lookup interface {
	Lookup(ctx context.Context, code string) (domain.Product, error)
}

type Cart interface {
	AddScanned(p domain.Product) (domain.CartLine, error)
}

type Result struct {
	Code    string           `json:"code"`
	Outcome Outcome          `json:"outcome"`
	Product *domain.Product  `json:"product,omitempty"`
	Line    *domain.CartLine `json:"line,omitempty"`
	Message string           `json:"message,omitempty"`
	At      time.Time        `json:"at"`
}

type Options struct {
	ScanGap         time.Duration
	ScanSettle      time.Duration
	TypingSettle    time.Duration
	DuplicateWindow time.Duration
	LookupTimeout   time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// Pipeline turns raw keystrokes into product lookups. Keystrokes closer than
// ScanGap come from a barcode scanner and settle quickly; slower input is
// treated as typing. Results are delivered to every subscriber.
type Pipeline struct {
	mu       sync.Mutex
	buf      []rune
	lastKey  time.Time
	timer    clock.Timer
	gen      uint64
	lastCode string
	lastAt   time.Time
	subs     map[int]chan Result
	nextSub  int

	ctx    context.Context
	lookup Lookup
	cart   Cart
	opts   Options
	log    *zap.Logger
}

// New returns a pipeline whose lookups run under ctx.
func New(ctx context.Context, lookup Lookup, c Cart, opts Options) *Pipeline {
	if opts.ScanGap <= 0 {
		opts.ScanGap = DefaultScanGap
	}
	if opts.ScanSettle <= 0 {
		opts.ScanSettle = DefaultScanSettle
	}
	if opts.TypingSettle <= 0 {
		opts.TypingSettle = DefaultTypingSettle
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = DefaultDuplicateWindow
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		subs:   make(map[int]chan Result),
		ctx:    ctx,
		lookup: lookup,
		cart:   c,
		opts:   opts,
		log:    opts.Logger,
	}
}

// Key records one keystroke and re-arms the settle timer. A newline is the
// same as Enter.
func (p *Pipeline) Key(r rune) {
	if r == '\n' || r == '\r' {
		p.Enter()
		return
	}
	if r < ' ' {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Clock.Now()
	settle := p.opts.TypingSettle
	if len(p.buf) > 0 && now.Sub(p.lastKey) < p.opts.ScanGap {
		settle = p.opts.ScanSettle
	}
	p.buf = append(p.buf, r)
	p.lastKey = now

	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = p.opts.Clock.AfterFunc(settle, func() { p.settled(gen) })
}

// Enter dispatches the buffered code right away.
func (p *Pipeline) Enter() {
	p.mu.Lock()
	code := p.take()
	p.mu.Unlock()
	if code != "" {
		p.dispatch(p.ctx, code)
	}
}

// Submit resolves a whole code, bypassing the keystroke buffer.
func (p *Pipeline) Submit(ctx context.Context, code string) Result {
	return p.dispatch(ctx, code)
}

// Subscribe returns a channel receiving every result. Slow subscribers miss
// results rather than block the pipeline.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan Result, 16)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

// Pending is the code typed so far.
func (p *Pipeline) Pending() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.buf)
}

func (p *Pipeline) settled(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	code := p.take()
	p.mu.Unlock()
	if code != "" {
		p.dispatch(p.ctx, code)
	}
}

// take empties the buffer. Callers hold p.mu.
func (p *Pipeline) take() string {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	code := string(p.buf)
	p.buf = p.buf[:0]
	return code
}

func (p *Pipeline) dispatch(ctx context.Context, raw string) Result {
	code := catalog.NormalizeCode(raw)
	now := p.opts.Clock.Now()
	res := Result{Code: code, At: now}
	if code == "" {
		res.Outcome = OutcomeNotFound
		res.Message = "empty code"
		return res
	}

	p.mu.Lock()
	duplicate := code == p.lastCode && now.Sub(p.lastAt) < p.opts.DuplicateWindow
	if !duplicate {
		p.lastCode = code
		p.lastAt = now
	}
	p.mu.Unlock()

	if duplicate {
		res.Outcome = OutcomeDuplicate
		p.log.Debug("duplicate scan suppressed", zap.String("code", code))
		p.opts.Metrics.Scan(string(res.Outcome))
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.LookupTimeout)
	defer cancel()
	res = p.resolve(ctx, res)

	p.opts.Metrics.Scan(string(res.Outcome))
	p.log.Info("scan resolved",
		zap.String("code", code),
		zap.String("outcome", string(res.Outcome)),
	)
	p.publish(res)
	return res
}

func (p *Pipeline) resolve(ctx context.Context, res Result) Result {
	product, err := p.lookup.Lookup(ctx, res.Code)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		res.Outcome = OutcomeNotFound
		res.Message = "no product with this code"
		return res
	case err != nil:
		res.Outcome = OutcomeError
		res.Message = err.Error()
		p.log.Warn("scan lookup failed", zap.String("code", res.Code), zap.Error(err))
		return res
	}
	res.Product = &product

	if p.cart == nil {
		res.Outcome = OutcomeFound
		return res
	}
	line, err := p.cart.AddScanned(product)
	switch {
	case err == nil:
		res.Outcome = OutcomeFound
		res.Line = &line
	case errors.Is(err, cart.ErrOutOfStock):
		res.Outcome = OutcomeOutOfStock
		res.Message = err.Error()
	case errors.Is(err, cart.ErrInactive):
		res.Outcome = OutcomeNotFound
		res.Message = err.Error()
	default:
		res.Outcome = OutcomeError
		res.Message = err.Error()
	}
	return res
}

func (p *Pipeline) publish(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- res:
		default:
		}
	}
}
