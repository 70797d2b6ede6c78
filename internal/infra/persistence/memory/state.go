package memory

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"github.com/tidwall/rtree"

	"stoqscore/pkg/domain"
)

// refKey orders child ids under a parent id in secondary indexes.
type refKey struct {
	parent string
	id     string
}

func refLess(a, b refKey) bool {
	if a.parent != b.parent {
		return a.parent < b.parent
	}
	return a.id < b.id
}

// timeKey orders instant points by activity (empty for the global index), time and id.
type timeKey struct {
	activity string
	at       int64
	id       int64
}

func timeLess(a, b timeKey) bool {
	if a.activity != b.activity {
		return a.activity < b.activity
	}
	if a.at != b.at {
		return a.at < b.at
	}
	return a.id < b.id
}

type childKey struct {
	parent int64
	id     int64
}

func childLess(a, b childKey) bool {
	if a.parent != b.parent {
		return a.parent < b.parent
	}
	return a.id < b.id
}

type paramKey struct {
	parameter string
	id        int64
}

func paramLess(a, b paramKey) bool {
	if a.parameter != b.parameter {
		return a.parameter < b.parameter
	}
	return a.id < b.id
}

type decimalKey struct {
	value decimal.Decimal
	id    int64
}

func decimalLess(a, b decimalKey) bool {
	if c := a.value.Cmp(b.value); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

// state holds every table and index. All trees are copy-on-write, so clone
// is O(1) and a transaction mutates its own copy without disturbing readers
// of the committed state.
type state struct {
	campaigns      *btree.Map[string, domain.Campaign]
	campaignNames  *btree.Map[string, string]
	logs           *btree.Map[string, domain.CampaignLog]
	logsByCampaign *btree.BTreeG[refKey]

	activityTypes     *btree.Map[string, domain.ActivityType]
	activityTypeNames *btree.Map[string, string]
	platformTypes     *btree.Map[string, domain.PlatformType]
	platformTypeNames *btree.Map[string, string]
	platforms         *btree.Map[string, domain.Platform]
	platformsByType   *btree.BTreeG[refKey]
	parameters        *btree.Map[string, domain.Parameter]
	parameterNames    *btree.Map[string, string]

	activities           *btree.Map[string, domain.Activity]
	activitiesByPlatform *btree.BTreeG[refKey]
	activitiesByCampaign *btree.BTreeG[refKey]
	activitiesByType     *btree.BTreeG[refKey]

	instants           *btree.Map[int64, domain.InstantPoint]
	instantsByActivity *btree.BTreeG[timeKey]
	instantsByTime     *btree.BTreeG[timeKey]

	measurements          *btree.Map[int64, domain.Measurement]
	measurementsByInstant *btree.BTreeG[childKey]
	measurementsByDepth   *btree.BTreeG[decimalKey]
	points                *rtree.RTreeG[int64]

	measured              *btree.Map[int64, domain.MeasuredParameter]
	measuredByMeasurement *btree.BTreeG[childKey]
	measuredByParameter   *btree.BTreeG[paramKey]
	measuredByValue       *btree.BTreeG[decimalKey]

	activityParams            *btree.Map[string, domain.ActivityParameter]
	activityParamPairs        *btree.Map[string, string]
	activityParamsByParameter *btree.BTreeG[refKey]

	seqInstant     int64
	seqMeasurement int64
	seqMeasured    int64
}

func newState() *state {
	return &state{
		campaigns:                 new(btree.Map[string, domain.Campaign]),
		campaignNames:             new(btree.Map[string, string]),
		logs:                      new(btree.Map[string, domain.CampaignLog]),
		logsByCampaign:            btree.NewBTreeG(refLess),
		activityTypes:             new(btree.Map[string, domain.ActivityType]),
		activityTypeNames:         new(btree.Map[string, string]),
		platformTypes:             new(btree.Map[string, domain.PlatformType]),
		platformTypeNames:         new(btree.Map[string, string]),
		platforms:                 new(btree.Map[string, domain.Platform]),
		platformsByType:           btree.NewBTreeG(refLess),
		parameters:                new(btree.Map[string, domain.Parameter]),
		parameterNames:            new(btree.Map[string, string]),
		activities:                new(btree.Map[string, domain.Activity]),
		activitiesByPlatform:      btree.NewBTreeG(refLess),
		activitiesByCampaign:      btree.NewBTreeG(refLess),
		activitiesByType:          btree.NewBTreeG(refLess),
		instants:                  new(btree.Map[int64, domain.InstantPoint]),
		instantsByActivity:        btree.NewBTreeG(timeLess),
		instantsByTime:            btree.NewBTreeG(timeLess),
		measurements:              new(btree.Map[int64, domain.Measurement]),
		measurementsByInstant:     btree.NewBTreeG(childLess),
		measurementsByDepth:       btree.NewBTreeG(decimalLess),
		points:                    new(rtree.RTreeG[int64]),
		measured:                  new(btree.Map[int64, domain.MeasuredParameter]),
		measuredByMeasurement:     btree.NewBTreeG(childLess),
		measuredByParameter:       btree.NewBTreeG(paramLess),
		measuredByValue:           btree.NewBTreeG(decimalLess),
		activityParams:            new(btree.Map[string, domain.ActivityParameter]),
		activityParamPairs:        new(btree.Map[string, string]),
		activityParamsByParameter: btree.NewBTreeG(refLess),
	}
}

func (s *state) clone() *state {
	return &state{
		campaigns:                 s.campaigns.Copy(),
		campaignNames:             s.campaignNames.Copy(),
		logs:                      s.logs.Copy(),
		logsByCampaign:            s.logsByCampaign.Copy(),
		activityTypes:             s.activityTypes.Copy(),
		activityTypeNames:         s.activityTypeNames.Copy(),
		platformTypes:             s.platformTypes.Copy(),
		platformTypeNames:         s.platformTypeNames.Copy(),
		platforms:                 s.platforms.Copy(),
		platformsByType:           s.platformsByType.Copy(),
		parameters:                s.parameters.Copy(),
		parameterNames:            s.parameterNames.Copy(),
		activities:                s.activities.Copy(),
		activitiesByPlatform:      s.activitiesByPlatform.Copy(),
		activitiesByCampaign:      s.activitiesByCampaign.Copy(),
		activitiesByType:          s.activitiesByType.Copy(),
		instants:                  s.instants.Copy(),
		instantsByActivity:        s.instantsByActivity.Copy(),
		instantsByTime:            s.instantsByTime.Copy(),
		measurements:              s.measurements.Copy(),
		measurementsByInstant:     s.measurementsByInstant.Copy(),
		measurementsByDepth:       s.measurementsByDepth.Copy(),
		points:                    s.points.Copy(),
		measured:                  s.measured.Copy(),
		measuredByMeasurement:     s.measuredByMeasurement.Copy(),
		measuredByParameter:       s.measuredByParameter.Copy(),
		measuredByValue:           s.measuredByValue.Copy(),
		activityParams:            s.activityParams.Copy(),
		activityParamPairs:        s.activityParamPairs.Copy(),
		activityParamsByParameter: s.activityParamsByParameter.Copy(),
		seqInstant:                s.seqInstant,
		seqMeasurement:            s.seqMeasurement,
		seqMeasured:               s.seqMeasured,
	}
}

func firstRef(idx *btree.BTreeG[refKey], parent string) (string, bool) {
	var (
		id    string
		found bool
	)
	idx.Ascend(refKey{parent: parent}, func(k refKey) bool {
		if k.parent == parent {
			id, found = k.id, true
		}
		return false
	})
	return id, found
}

func refsOf(idx *btree.BTreeG[refKey], parent string) []string {
	var ids []string
	idx.Ascend(refKey{parent: parent}, func(k refKey) bool {
		if k.parent != parent {
			return false
		}
		ids = append(ids, k.id)
		return true
	})
	return ids
}

func childrenOf(idx *btree.BTreeG[childKey], parent int64) []int64 {
	var ids []int64
	idx.Ascend(childKey{parent: parent, id: math.MinInt64}, func(k childKey) bool {
		if k.parent != parent {
			return false
		}
		ids = append(ids, k.id)
		return true
	})
	return ids
}

func pairKey(activityID, parameterID string) string {
	return activityID + "\x00" + parameterID
}

func campaignNameKey(c domain.Campaign) (string, bool) {
	day := domain.CampaignDay(c.StartDate)
	if day == "" {
		return "", false
	}
	return c.Name + "\x00" + day, true
}

// instantsOf returns the instant points of an activity ordered by time.
func (s *state) instantsOf(activityID string) []domain.InstantPoint {
	var out []domain.InstantPoint
	s.instantsByActivity.Ascend(timeKey{activity: activityID, at: math.MinInt64, id: math.MinInt64}, func(k timeKey) bool {
		if k.activity != activityID {
			return false
		}
		if ip, ok := s.instants.Get(k.id); ok {
			out = append(out, ip)
		}
		return true
	})
	return out
}

func (s *state) activityParamIDs(activityID string) []string {
	prefix := activityID + "\x00"
	var ids []string
	s.activityParamPairs.Ascend(prefix, func(key, id string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		ids = append(ids, id)
		return true
	})
	return ids
}

func pointRect(p domain.Point) [2]float64 {
	return [2]float64{p.Lon, p.Lat}
}
