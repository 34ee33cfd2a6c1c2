package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"zptess/internal/calibrator"
	"zptess/internal/message"
	"zptess/internal/photometer"
	"zptess/internal/ring"
)

// CommitResult carries the identifiers a caller needs to apply the
// post-commit write_zp step (spec §4.6 last bullet).
type CommitResult struct {
	TestSummaryID int64
}

// CommitCalibration assembles and commits the full entity graph for one
// calibration run (spec §4.6 CAL_END): photometer upserts, two summary
// rows, round rows, deduplicated sample rows, and the rounds↔samples
// links, all inside one transaction.
func (r *Repository) CommitCalibration(ctx context.Context, infos map[message.Role]photometer.Info, zpAbs float64, rounds []calibrator.RoundEvent, summary calibrator.SummaryEvent, central map[message.Role]ring.Central) (CommitResult, error) {
	var result CommitResult
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		photIDs := make(map[message.Role]int64, 2)
		for _, role := range []message.Role{message.RoleRef, message.RoleTest} {
			info := infos[role]
			id, err := findOrCreatePhotometer(ctx, tx, info.Name, info.MAC, photometerRow{
				Model:      info.Model,
				Sensor:     info.Sensor,
				FreqOffset: info.FreqOffset,
				Firmware:   nullString(optStr(info.Firmware)),
				Filter:     nullString(info.Filter),
				Plug:       nullString(info.Plug),
				Box:        nullString(info.Box),
				Collector:  nullString(info.Collector),
			})
			if err != nil {
				return err
			}
			photIDs[role] = id
		}

		summIDs := make(map[message.Role]int64, 2)
		for _, role := range []message.Role{message.RoleRef, message.RoleTest} {
			row := summaryRow{
				Session:     summary.Session,
				Role:        role,
				PhotID:      photIDs[role],
				Calibration: string(summary.Kind),
				Calversion:  summary.Version,
				Author:      summary.Author,
				NRounds:     summary.Rounds,
			}
			if role == message.RoleRef {
				row.ZPOffset = 0
				row.PrevZP = zpAbs
				row.ZeroPoint = zpAbs
				row.Freq = summary.BestRefFreq
				row.FreqMethod = summary.BestRefFreqMethod
				row.Mag = summary.BestRefMag
			} else {
				row.ZPOffset = summary.Offset
				row.PrevZP = infos[message.RoleTest].ZP
				row.ZeroPoint = summary.FinalZeroPoint
				row.ZeroPointMethod = sql.NullString{String: string(summary.BestZeroPointMethod), Valid: true}
				row.Freq = summary.BestTestFreq
				row.FreqMethod = summary.BestTestFreqMethod
				row.Mag = summary.BestTestMag
			}
			id, err := insertSummary(ctx, tx, row)
			if err != nil {
				return err
			}
			summIDs[role] = id
		}
		result.TestSummaryID = summIDs[message.RoleTest]

		// roundIDs[role][seq] and the per-role dedup sample id cache feed the
		// linking pass below (spec §4.6 step 5).
		roundIDs := make(map[message.Role]map[int]int64, 2)
		roundWindow := make(map[message.Role]map[int]timeWindow, 2)
		sampleIDs := make(map[message.Role]map[int64]int64, 2) // unix-nano tstamp -> sample id, per role
		for _, role := range []message.Role{message.RoleRef, message.RoleTest} {
			roundIDs[role] = make(map[int]int64)
			roundWindow[role] = make(map[int]timeWindow)
			sampleIDs[role] = make(map[int64]int64)
		}

		for _, ev := range rounds {
			for _, role := range []message.Role{message.RoleRef, message.RoleTest} {
				s := ev.Stats[role]
				row := roundRow{
					SummID:   summIDs[role],
					Seq:      ev.Current,
					Role:     role,
					Central:  central[role],
					NSamples: s.NSamples,
				}
				if s.FreqOK {
					row.Freq = sql.NullFloat64{Float64: s.Freq, Valid: true}
					row.Stddev = sql.NullFloat64{Float64: s.Stdev, Valid: true}
				}
				if s.MagOK {
					row.Mag = sql.NullFloat64{Float64: s.Mag, Valid: true}
				}
				if role == message.RoleTest && ev.ZeroPointOK {
					row.ZeroPoint = sql.NullFloat64{Float64: ev.ZeroPoint, Valid: true}
				}
				if s.NSamples > 0 {
					row.BeginTstamp = sql.NullTime{Time: s.BeginTstamp, Valid: true}
					row.EndTstamp = sql.NullTime{Time: s.EndTstamp, Valid: true}
					row.DurationSec = sql.NullFloat64{Float64: s.EndTstamp.Sub(s.BeginTstamp).Seconds(), Valid: true}
				}
				id, err := insertRound(ctx, tx, row)
				if err != nil {
					return err
				}
				roundIDs[role][ev.Current] = id
				if s.NSamples > 0 {
					roundWindow[role][ev.Current] = timeWindow{begin: s.BeginTstamp, end: s.EndTstamp}
				}

				for _, msg := range ev.Snapshots[role] {
					key := msg.Tstamp.UnixNano()
					sampID, ok := sampleIDs[role][key]
					if !ok {
						sampID, err = findOrCreateSample(ctx, tx, sampleRow{
							SummID: summIDs[role],
							Tstamp: msg.Tstamp,
							Role:   role,
							Freq:   msg.Freq,
							Tamb:   optFloat(msg.Tamb),
							Tsky:   optFloat(msg.Tsky),
							Seq:    msg.Seq,
						})
						if err != nil {
							return err
						}
						sampleIDs[role][key] = sampID
					}
				}
			}
		}

		// Link rounds to samples by sliding-window containment (spec §4.6
		// step 5, §8 invariant 5).
		for _, role := range []message.Role{message.RoleRef, message.RoleTest} {
			for seq, win := range roundWindow[role] {
				roundID := roundIDs[role][seq]
				for _, ev := range rounds {
					for _, msg := range ev.Snapshots[role] {
						if !msg.Tstamp.Before(win.begin) && !msg.Tstamp.After(win.end) {
							sampID := sampleIDs[role][msg.Tstamp.UnixNano()]
							if err := linkRoundSample(ctx, tx, roundID, sampID); err != nil {
								return err
							}
						}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("persistence: commit calibration: %w", err)
	}
	return result, nil
}

type timeWindow struct {
	begin, end time.Time
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

