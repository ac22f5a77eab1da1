package runselect

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/caf/pkg/conditions"
	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/selection"
)

// gainLabelField is the payload field of a gain strategy entry.
const gainLabelField = "name"

// Selector finds calibration runs in the conditions store.
type Selector interface {
	// SelectRuns returns the runs with run number >= lowerBound that match
	// every constraint, sorted ascending by run number.
	SelectRuns(
		ctx context.Context,
		lowerBound uint32,
		constraints selection.Constraints,
	) ([]RunRecord, error)
}

// Compile-time interface check.
var _ Selector = (*selector)(nil)

type selector struct {
	log         logrus.FieldLogger
	tdaq        conditions.Store
	trigger     conditions.Store
	folders     config.FoldersConfig
	gainChannel int64
}

// NewSelector creates a Selector reading run folders from tdaq and the gain
// strategy folder from trigger.
func NewSelector(
	log logrus.FieldLogger,
	tdaq, trigger conditions.Store,
	cfg *config.ConditionsConfig,
) Selector {
	return &selector{
		log:         log.WithField("component", "runselect"),
		tdaq:        tdaq,
		trigger:     trigger,
		folders:     cfg.Folders,
		gainChannel: cfg.GainChannel,
	}
}

// gainInterval is a gain strategy label valid over [since, until).
type gainInterval struct {
	since int64
	until int64
	label string
}

// SelectRuns implements Selector.
func (s *selector) SelectRuns(
	ctx context.Context,
	lowerBound uint32,
	constraints selection.Constraints,
) ([]RunRecord, error) {
	since := conditions.RunKey(lowerBound)

	runs, err := s.seedFromSOR(ctx, lowerBound, constraints)
	if err != nil {
		return nil, err
	}

	if len(runs) == 0 {
		s.log.WithField("lower_bound", lowerBound).Debug("No start-of-run entries matched")

		return []RunRecord{}, nil
	}

	if err := s.overlayEOR(ctx, since, runs); err != nil {
		return nil, err
	}

	if err := s.overlayCounters(ctx, since, runs); err != nil {
		return nil, err
	}

	gains, err := s.gainIntervals(ctx)
	if err != nil {
		return nil, err
	}

	for _, fields := range runs {
		if label, ok := resolveGain(gains, fields[FieldSORTime]); ok {
			fields[FieldGainStrategy] = label
		}
	}

	numbers := make([]uint32, 0, len(runs))
	for run := range runs {
		numbers = append(numbers, run)
	}

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	out := make([]RunRecord, 0, len(numbers))

	for _, run := range numbers {
		fields := runs[run]
		if !constraints.Match(fields) {
			continue
		}

		rec, err := decodeRecord(fields)
		if err != nil {
			s.log.WithError(err).WithField("run", run).Warn("Dropping run with malformed conditions data")

			continue
		}

		rec.RunNumber = run
		out = append(out, rec)
	}

	s.log.WithFields(logrus.Fields{
		"lower_bound": lowerBound,
		"candidates":  len(runs),
		"selected":    len(out),
	}).Debug("Run selection finished")

	return out, nil
}

// seedFromSOR creates one record per start-of-run entry passing the
// pre-filter. Entries overlapping the range but describing a run below
// lowerBound are skipped.
func (s *selector) seedFromSOR(
	ctx context.Context,
	lowerBound uint32,
	constraints selection.Constraints,
) (map[uint32]selection.Record, error) {
	objs, err := s.tdaq.Browse(ctx, s.folders.SOR,
		conditions.RunKey(lowerBound), conditions.ValidityKeyMax, conditions.AllChannels())
	if err != nil {
		return nil, fmt.Errorf("browsing start-of-run folder: %w", err)
	}

	pre := constraints.Only(FieldRunType, FieldRecordingEnabled)
	runs := make(map[uint32]selection.Record, len(objs))

	for i := range objs {
		payload := selection.Record(objs[i].Payload)
		if !preMatch(pre, payload) {
			continue
		}

		run, ok := payloadRunNumber(payload)
		if !ok {
			run = conditions.RunFromKey(objs[i].Since)
		}

		if run < lowerBound {
			continue
		}

		fields := copyRecord(payload)
		if _, ok := fields[FieldRunNumber]; !ok {
			fields[FieldRunNumber] = run
		}

		runs[run] = fields
	}

	s.log.WithFields(logrus.Fields{
		"entries": len(objs),
		"seeded":  len(runs),
	}).Debug("Start-of-run phase finished")

	return runs, nil
}

// overlayEOR merges end-of-run payloads into the seeded runs.
func (s *selector) overlayEOR(
	ctx context.Context,
	since int64,
	runs map[uint32]selection.Record,
) error {
	objs, err := s.tdaq.Browse(ctx, s.folders.EOR,
		since, conditions.ValidityKeyMax, conditions.AllChannels())
	if err != nil {
		return fmt.Errorf("browsing end-of-run folder: %w", err)
	}

	merged := 0

	for i := range objs {
		run, ok := payloadRunNumber(objs[i].Payload)
		if !ok {
			run = conditions.RunFromKey(objs[i].Since)
		}

		if fields, found := runs[run]; found {
			overlay(fields, objs[i].Payload)
			merged++
		}
	}

	s.log.WithField("merged", merged).Debug("End-of-run phase finished")

	return nil
}

// overlayCounters merges event counters into the seeded runs. Counter
// entries are keyed by the run encoded in their validity start.
func (s *selector) overlayCounters(
	ctx context.Context,
	since int64,
	runs map[uint32]selection.Record,
) error {
	objs, err := s.tdaq.Browse(ctx, s.folders.EventCounters,
		since, conditions.ValidityKeyMax, conditions.AllChannels())
	if err != nil {
		return fmt.Errorf("browsing event counters folder: %w", err)
	}

	merged := 0

	for i := range objs {
		if fields, found := runs[conditions.RunFromKey(objs[i].Since)]; found {
			overlay(fields, objs[i].Payload)
			merged++
		}
	}

	s.log.WithField("merged", merged).Debug("Event counters phase finished")

	return nil
}

// gainIntervals lists gain strategy intervals, keeping the first entry of
// each distinct since.
func (s *selector) gainIntervals(ctx context.Context) ([]gainInterval, error) {
	objs, err := s.trigger.Browse(ctx, s.folders.GainStrategy,
		conditions.ValidityKeyMin, conditions.ValidityKeyMax,
		conditions.Channel(s.gainChannel))
	if err != nil {
		return nil, fmt.Errorf("browsing gain strategy folder: %w", err)
	}

	out := make([]gainInterval, 0, len(objs))
	seen := make(map[int64]struct{}, len(objs))

	for i := range objs {
		if _, dup := seen[objs[i].Since]; dup {
			continue
		}

		seen[objs[i].Since] = struct{}{}

		label, ok := objs[i].Payload[gainLabelField].(string)
		if !ok {
			continue
		}

		out = append(out, gainInterval{
			since: objs[i].Since,
			until: objs[i].Until,
			label: label,
		})
	}

	return out, nil
}

// resolveGain returns the label of the nearest interval enclosing ts, the
// one with the greatest since. The result does not depend on the order of
// intervals.
func resolveGain(gains []gainInterval, ts any) (string, bool) {
	t, ok := toInt64(ts)
	if !ok {
		return "", false
	}

	var (
		best  *gainInterval
		found bool
	)

	for i := range gains {
		g := &gains[i]
		if t < g.since || t >= g.until {
			continue
		}

		if !found || g.since > best.since {
			best = g
			found = true
		}
	}

	if !found {
		return "", false
	}

	return best.label, true
}

// preMatch applies the start-of-run pre-filter. A constraint whose field
// is not part of the start-of-run payload is deferred to the final filter
// so that no candidate is lost early.
func preMatch(pre selection.Constraints, payload selection.Record) bool {
	for _, c := range pre {
		if _, ok := payload[c.Field()]; !ok {
			continue
		}

		if !c.Match(payload) {
			return false
		}
	}

	return true
}

func payloadRunNumber(payload map[string]any) (uint32, bool) {
	v, ok := toInt64(payload[FieldRunNumber])
	if !ok || v < 0 || v > int64(^uint32(0)) {
		return 0, false
	}

	return uint32(v), true
}

func overlay(dst selection.Record, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func copyRecord(src map[string]any) selection.Record {
	dst := make(selection.Record, len(src)+1)
	overlay(dst, src)

	return dst
}
