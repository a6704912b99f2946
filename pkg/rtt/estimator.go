// Package rtt implements the RFC 6298 retransmission timeout estimator.
package rtt

import "time"

// Defaults from RFC 6298 §2 and common practice.
const (
	DefaultInitialRTO  = time.Second
	DefaultMinRTO      = time.Second
	DefaultMaxRTO      = 60 * time.Second
	DefaultGranularity = 10 * time.Millisecond
)

// Config tunes the estimator. Zero fields take the defaults above.
type Config struct {
	// InitialRTO is used until the first sample is taken.
	InitialRTO time.Duration
	// MinRTO is the floor applied after every computation.
	MinRTO time.Duration
	// MaxRTO caps the computed and backed-off RTO.
	MaxRTO time.Duration
	// Granularity is the clock granularity G.
	Granularity time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialRTO <= 0 {
		c.InitialRTO = DefaultInitialRTO
	}
	if c.MinRTO <= 0 {
		c.MinRTO = DefaultMinRTO
	}
	if c.MaxRTO <= 0 {
		c.MaxRTO = DefaultMaxRTO
	}
	if c.MaxRTO < c.MinRTO {
		c.MaxRTO = c.MinRTO
	}
	if c.Granularity < 0 {
		c.Granularity = 0
	} else if c.Granularity == 0 {
		c.Granularity = DefaultGranularity
	}
	return c
}

// Estimator tracks SRTT, RTTVAR and RTO for one connection.
//
// Callers are responsible for Karn's rule: only segments that were never
// retransmitted may be fed to Sample.
type Estimator struct {
	cfg      Config
	srtt     time.Duration
	rttvar   time.Duration
	rto      time.Duration
	measured bool
	backoffs int
}

// New returns an estimator with RTO set to the initial value.
func New(cfg Config) *Estimator {
	cfg = cfg.withDefaults()
	e := &Estimator{cfg: cfg}
	e.rto = e.clamp(cfg.InitialRTO)
	return e
}

// Sample folds one round-trip measurement into the estimate.
//
//	first:  SRTT <- R, RTTVAR <- R/2
//	after:  RTTVAR <- 3/4 RTTVAR + 1/4 |SRTT - R|
//	        SRTT   <- 7/8 SRTT + 1/8 R
//	RTO <- SRTT + max(G, 4*RTTVAR)
func (e *Estimator) Sample(r time.Duration) {
	if r < 0 {
		return
	}
	if !e.measured {
		e.srtt = r
		e.rttvar = r / 2
		e.measured = true
	} else {
		diff := e.srtt - r
		if diff < 0 {
			diff = -diff
		}
		// RTTVAR must be updated with the SRTT from before this sample.
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + r) / 8
	}
	k := 4 * e.rttvar
	if k < e.cfg.Granularity {
		k = e.cfg.Granularity
	}
	e.rto = e.clamp(e.srtt + k)
	e.backoffs = 0
}

// Backoff doubles the RTO after a retransmission timeout, bounded by MaxRTO.
func (e *Estimator) Backoff() {
	e.backoffs++
	e.rto = e.clamp(2 * e.rto)
}

func (e *Estimator) clamp(d time.Duration) time.Duration {
	if d < e.cfg.MinRTO {
		return e.cfg.MinRTO
	}
	if d > e.cfg.MaxRTO {
		return e.cfg.MaxRTO
	}
	return d
}

// RTO returns the current retransmission timeout.
func (e *Estimator) RTO() time.Duration { return e.rto }

// SRTT returns the smoothed round-trip time.
func (e *Estimator) SRTT() time.Duration { return e.srtt }

// RTTVAR returns the round-trip time variation.
func (e *Estimator) RTTVAR() time.Duration { return e.rttvar }

// Measured reports whether at least one sample has been taken.
func (e *Estimator) Measured() bool { return e.measured }

// Backoffs returns the number of consecutive backoffs since the last sample.
func (e *Estimator) Backoffs() int { return e.backoffs }
