package oee

import (
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Fold combines finer records of one equipment into the record of the
// enclosing window. Additive components are summed and the ratios derived
// from the sums, which makes every ratio the weighted average of the
// children: availability by planned time, performance by operating time and
// quality by unit count. Children that cover less of their span (gaps)
// therefore weigh proportionally less.
func Fold(eq model.Equipment, start, end time.Time, children []model.OEERecord) model.OEERecord {
	rec := model.OEERecord{
		EquipmentID:       eq.ID,
		WindowStart:       start,
		WindowEnd:         end,
		IdealCycleSeconds: eq.IdealCycle(),
	}

	for _, c := range children {
		rec.PlannedMinutes += c.PlannedMinutes
		rec.DowntimeMinutes += c.DowntimeMinutes
		rec.OperatingMinutes += c.OperatingMinutes
		rec.NetOperatingMinutes += c.NetOperatingMinutes
		rec.CalendarMinutes += c.CalendarMinutes

		rec.TotalCount += c.TotalCount
		rec.GoodCount += c.GoodCount
		rec.DefectCount += c.DefectCount
		rec.ReworkCount += c.ReworkCount

		rec.Losses = rec.Losses.Add(c.Losses)

		for cat, n := range c.DefectsByCategory {
			if rec.DefectsByCategory == nil {
				rec.DefectsByCategory = make(map[string]int64)
			}
			rec.DefectsByCategory[cat] += n
		}
	}

	finish(&rec)
	return rec
}
