package rtlib

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// CollectionScope selects where performance counters are gathered from.
type CollectionScope int

const (
	ScopeGlobal CollectionScope = iota // G: system-wide counters
	ScopePerExc                        // K: counters scoped to the EXC's cgroup
	ScopeOff                           // O: collection disabled
)

// DurationUnit is the unit a duration-limit flag is expressed in.
type DurationUnit int

const (
	DurationSeconds DurationUnit = iota
	DurationCycles
)

// Options is the parsed form of the colon-separated tuning flags carried by
// the runtime's option-string environment variable.
type Options struct {
	HasDurationLimit bool
	DurationLimit    int
	DurationUnit     DurationUnit

	Scope CollectionScope

	Unmanaged   bool
	ForcedAWMID int

	PerfVerbosity int

	RawCounterCount int
	RawCounterCodes []string

	StatsCycles    bool // c
	StatsFormatted bool // f
	StatsSummary   bool // s

	CgroupOverride string

	OpenCLProfiling bool
	OpenCLLevel     int
}

// ParseOptions parses a colon-separated option string, e.g.
// "Ds30:K:p2:r2,0x3c,0x412e:c:C/rtrm/forced".
//
// An unrecognized flag letter is ignored rather than rejected, matching the
// tolerant parsing of the runtime this format is carried over from: a
// newer application linked against an older daemon (or vice versa) should
// not fail to start over a tuning flag neither side needs to agree on. A
// recognized flag with a malformed argument (e.g. "Dx10") is still an
// error, since that is a typo in a flag the caller clearly meant to set.
func ParseOptions(s string) (Options, error) {
	var opts Options
	if s == "" {
		return opts, nil
	}

	for _, tok := range strings.Split(s, ":") {
		if tok == "" {
			continue
		}
		if err := applyFlag(&opts, tok); err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

func applyFlag(opts *Options, tok string) error {
	switch tok[0] {
	case 'D':
		return parseDuration(opts, tok)
	case 'G':
		opts.Scope = ScopeGlobal
	case 'K':
		opts.Scope = ScopePerExc
	case 'O':
		opts.Scope = ScopeOff
	case 'U':
		id, err := strconv.Atoi(tok[1:])
		if err != nil {
			return fmt.Errorf("perfcounters: bad unmanaged awm id %q: %w", tok, err)
		}
		opts.Unmanaged = true
		opts.ForcedAWMID = id
	case 'p':
		v, err := strconv.Atoi(tok[1:])
		if err != nil {
			return fmt.Errorf("perfcounters: bad verbosity %q: %w", tok, err)
		}
		opts.PerfVerbosity = v
	case 'r':
		return parseRawCounters(opts, tok)
	case 'c':
		opts.StatsCycles = true
	case 'f':
		opts.StatsFormatted = true
	case 's':
		opts.StatsSummary = true
	case 'C':
		opts.CgroupOverride = tok[1:]
	case 'o':
		v, err := strconv.Atoi(tok[1:])
		if err != nil {
			return fmt.Errorf("perfcounters: bad opencl level %q: %w", tok, err)
		}
		opts.OpenCLProfiling = true
		opts.OpenCLLevel = v
	default:
		// Unrecognized flag letter: ignored, not an error (see ParseOptions).
	}
	return nil
}

func parseDuration(opts *Options, tok string) error {
	if len(tok) < 3 {
		return fmt.Errorf("perfcounters: malformed duration flag %q", tok)
	}
	switch tok[1] {
	case 's':
		opts.DurationUnit = DurationSeconds
	case 'c':
		opts.DurationUnit = DurationCycles
	default:
		return fmt.Errorf("perfcounters: duration flag %q must be Ds or Dc", tok)
	}
	n, err := strconv.Atoi(tok[2:])
	if err != nil {
		return fmt.Errorf("perfcounters: bad duration count %q: %w", tok, err)
	}
	opts.HasDurationLimit = true
	opts.DurationLimit = n
	return nil
}

func parseRawCounters(opts *Options, tok string) error {
	rest := tok[1:]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return fmt.Errorf("perfcounters: raw counter flag %q missing codes", tok)
	}
	n, err := strconv.Atoi(rest[:comma])
	if err != nil {
		return fmt.Errorf("perfcounters: bad raw counter count %q: %w", tok, err)
	}
	codes := strings.Split(rest[comma+1:], ",")
	opts.RawCounterCount = n
	opts.RawCounterCodes = codes
	return nil
}

// Sampler accumulates performance-counter values per AWM id: counters are
// attached on first PreRun and read on each PostRun, with values summed
// across every cycle the application spent in that AWM.
type Sampler struct {
	mu     sync.Mutex
	totals map[int]map[string]uint64
}

// NewSampler builds an empty Sampler.
func NewSampler() *Sampler {
	return &Sampler{totals: make(map[int]map[string]uint64)}
}

// Record folds one PostRun's counter readings into awmID's running totals.
func (s *Sampler) Record(awmID int, readings map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.totals[awmID]
	if !ok {
		bucket = make(map[string]uint64, len(readings))
		s.totals[awmID] = bucket
	}
	for code, v := range readings {
		bucket[code] += v
	}
}

// Totals returns a snapshot of accumulated counters for awmID.
func (s *Sampler) Totals(awmID int) map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.totals[awmID]
	out := make(map[string]uint64, len(bucket))
	for code, v := range bucket {
		out[code] = v
	}
	return out
}
