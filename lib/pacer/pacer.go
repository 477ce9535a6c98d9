// Package pacer implements the attack/decay retry backoff used by
// evalgrid's worker-reconnect path. It is a direct port
// of rclone's lib/pacer in spirit: a Default calculator that decays the
// sleep time exponentially on success and attacks it up on retry, clamped
// between a min and max sleep, plus a token-bucket limit on concurrent
// operations.
package pacer

import (
	"sync"
	"time"
)

// State is passed to a Calculator to work out the next sleep time.
type State struct {
	SleepTime          time.Duration // current sleep time
	ConsecutiveRetries int           // number of consecutive retries, 0 on success
}

// Calculator works out the new sleep time for State.
type Calculator interface {
	Calculate(state State) time.Duration
}

// Default is the standard attack/decay Calculator.
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// Option configures a Pacer or a Default calculator.
type Option func(*options)

type options struct {
	retries        int
	maxConnections int
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

func defaultOptions() options {
	return options{
		retries:        3,
		maxConnections: 0,
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
	}
}

// RetriesOption sets the number of retries a Pacer.Call will attempt.
func RetriesOption(retries int) Option {
	return func(o *options) { o.retries = retries }
}

// MaxConnectionsOption bounds the number of concurrent operations the
// Pacer admits; 0 means unbounded.
func MaxConnectionsOption(n int) Option {
	return func(o *options) { o.maxConnections = n }
}

// MinSleep sets the calculator's minimum sleep time.
func MinSleep(d time.Duration) Option { return func(o *options) { o.minSleep = d } }

// MaxSleep sets the calculator's maximum sleep time.
func MaxSleep(d time.Duration) Option { return func(o *options) { o.maxSleep = d } }

// DecayConstant sets how fast the sleep time decays on success.
func DecayConstant(c uint) Option { return func(o *options) { o.decayConstant = c } }

// AttackConstant sets how fast the sleep time grows on retry.
func AttackConstant(c uint) Option { return func(o *options) { o.attackConstant = c } }

// NewDefault builds a Default calculator from the sleep-related Options;
// non-sleep options are ignored.
func NewDefault(opts ...Option) *Default {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Default{
		minSleep:       o.minSleep,
		maxSleep:       o.maxSleep,
		decayConstant:  o.decayConstant,
		attackConstant: o.attackConstant,
	}
}

// Calculate implements Calculator: decay towards minSleep on success,
// attack towards maxSleep on a retry.
func (d *Default) Calculate(state State) time.Duration {
	if state.ConsecutiveRetries == 0 {
		// Decay: sleepTime * (2^decayConstant - 1) / 2^decayConstant
		if d.decayConstant == 0 {
			return d.minSleep
		}
		sleepTime := (state.SleepTime<<d.decayConstant - state.SleepTime) >> d.decayConstant
		if sleepTime < d.minSleep {
			sleepTime = d.minSleep
		}
		return sleepTime
	}
	// Attack: sleepTime * 2^attackConstant / (2^attackConstant - 1)
	if d.attackConstant == 0 {
		return d.maxSleep
	}
	sleepTime := (state.SleepTime << d.attackConstant) / ((1 << d.attackConstant) - 1)
	if sleepTime > d.maxSleep {
		sleepTime = d.maxSleep
	}
	return sleepTime
}

// Pacer limits concurrency and paces retries of a fallible operation.
type Pacer struct {
	mu             sync.Mutex
	calculator     Calculator
	pacer          chan struct{}
	connTokens     chan struct{}
	maxConnections int
	retries        int
	state          State
}

// New builds a Pacer with the default calculator, configured by opts.
func New(opts ...Option) *Pacer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p := &Pacer{
		calculator:     NewDefault(opts...),
		pacer:          make(chan struct{}, 1),
		maxConnections: o.maxConnections,
		retries:        o.retries,
		state:          State{SleepTime: o.minSleep},
	}
	p.pacer <- struct{}{}
	p.SetMaxConnections(o.maxConnections)
	return p
}

// SetMaxConnections changes the number of concurrent operations admitted;
// 0 disables the limit.
func (p *Pacer) SetMaxConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = n
	if n <= 0 {
		p.connTokens = nil
		return
	}
	p.connTokens = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		p.connTokens <- struct{}{}
	}
}

// SetRetries changes the number of retries Call will attempt.
func (p *Pacer) SetRetries(retries int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = retries
}

// beginCall waits for a pacing slot and a connection token.
func (p *Pacer) beginCall() {
	<-p.pacer
	if p.connTokens != nil {
		<-p.connTokens
	}
}

// endCall releases the connection token and schedules the next pacing
// slot after the Calculator's sleep time.
func (p *Pacer) endCall(retry bool) {
	if p.connTokens != nil {
		p.connTokens <- struct{}{}
	}
	p.mu.Lock()
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	p.state.SleepTime = p.calculator.Calculate(p.state)
	sleep := p.state.SleepTime
	p.mu.Unlock()
	time.AfterFunc(sleep, func() { p.pacer <- struct{}{} })
}

// Fn is a fallible operation: it returns (retry, err). retry indicates
// the Pacer should back off and try again (subject to the retry budget).
type Fn func() (bool, error)

// Call runs fn, retrying with backoff while it requests a retry, up to
// the configured retry budget.
func (p *Pacer) Call(fn Fn) error {
	var err error
	for try := 0; try <= p.retries; try++ {
		p.beginCall()
		var retry bool
		retry, err = fn()
		p.endCall(retry)
		if !retry {
			return err
		}
	}
	return err
}
