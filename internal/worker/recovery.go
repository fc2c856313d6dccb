package worker

import (
	"fmt"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// maxAdapterAttempts bounds internal retries of transient adapter failures
const maxAdapterAttempts = 3

// scanPhaseShare is the progress share attributed to the scan phase when the
// item total is not yet known.
const scanPhaseShare = 30

// RecoveryWorker drives a recovery scan: enumerate items on the device,
// then copy each one to the export target. This is the reference Worker
// implementation; the adapter owns the actual forensics.
type RecoveryWorker struct {
	adapter Adapter
}

// NewRecoveryWorker creates a recovery worker
func NewRecoveryWorker(adapter Adapter) *RecoveryWorker {
	return &RecoveryWorker{adapter: adapter}
}

// Kind implements Worker
func (w *RecoveryWorker) Kind() models.SessionKind { return models.KindRecovery }

// Start implements Worker
func (w *RecoveryWorker) Start(session *models.Session, rep Reporter) (Handle, error) {
	r := newRun(session.ID, rep)

	deviceID := session.DeviceID
	options := session.Options
	target := stringOption(options, "target", "export")

	r.execute(models.KindRecovery, func() (models.Variables, error) {
		// Scan phase: the total is unknown until the stream closes, so
		// progress saturates below scanPhaseShare.
		r.progress(0, models.Counters{"itemsFound": 0}, "scanning")

		scanCh, err := w.adapter.Scan(r.ctx, deviceID, options)
		if err != nil {
			return nil, fmt.Errorf("start scan: %w", err)
		}

		var items []FoundItem
		for item := range scanCh {
			items = append(items, item)
			if len(items)%10 == 0 {
				percent := scanPhaseShare * len(items) / (len(items) + 50)
				r.progress(percent, models.Counters{"itemsFound": int64(len(items))}, "scanning")
			}
			if err := r.checkpoint(); err != nil {
				return nil, err
			}
		}
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}

		total := int64(len(items))
		if total == 0 {
			return models.Variables{
				"itemsRecovered": int64(0),
				"bytesRecovered": int64(0),
				"target":         target,
			}, nil
		}

		r.progress(scanPhaseShare, models.Counters{
			"itemsFound": total,
			"itemsTotal": total,
			"itemsDone":  0,
		}, "recovering")

		// Copy phase
		var done, bytes int64
		for _, item := range items {
			item := item
			err := retryTransient(r.ctx, maxAdapterAttempts, func() error {
				return w.adapter.Copy(r.ctx, deviceID, item, target)
			})
			if err != nil {
				return nil, fmt.Errorf("copy item %s: %w", item.ID, err)
			}

			done++
			bytes += item.SizeBytes
			percent := scanPhaseShare + int((100-scanPhaseShare)*done/total)
			r.progress(percent, models.Counters{
				"itemsTotal": total,
				"itemsDone":  done,
				"bytesDone":  bytes,
			}, "recovering")

			if err := r.checkpoint(); err != nil {
				return nil, err
			}
		}

		return models.Variables{
			"itemsRecovered": total,
			"bytesRecovered": bytes,
			"target":         target,
		}, nil
	})

	return r, nil
}
