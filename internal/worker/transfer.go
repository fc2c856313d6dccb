package worker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// TransferWorker moves content from the session's device to a second device
// named in the session options.
type TransferWorker struct {
	adapter Adapter
}

// NewTransferWorker creates a transfer worker
func NewTransferWorker(adapter Adapter) *TransferWorker {
	return &TransferWorker{adapter: adapter}
}

// Kind implements Worker
func (w *TransferWorker) Kind() models.SessionKind { return models.KindTransfer }

// Start implements Worker
func (w *TransferWorker) Start(session *models.Session, rep Reporter) (Handle, error) {
	targetRaw := stringOption(session.Options, "targetDeviceId", "")
	targetID, err := uuid.Parse(targetRaw)
	if err != nil {
		return nil, fmt.Errorf("transfer requires a valid targetDeviceId option: %w", err)
	}

	r := newRun(session.ID, rep)
	deviceID := session.DeviceID
	options := session.Options

	r.execute(models.KindTransfer, func() (models.Variables, error) {
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
				"itemsMoved":     int64(0),
				"bytesMoved":     int64(0),
				"targetDeviceId": targetID.String(),
			}, nil
		}

		r.progress(scanPhaseShare, models.Counters{
			"itemsTotal": total,
			"itemsDone":  0,
		}, "transferring")

		var done, bytes int64
		for _, item := range items {
			item := item
			err := retryTransient(r.ctx, maxAdapterAttempts, func() error {
				return w.adapter.Copy(r.ctx, deviceID, item, targetID.String())
			})
			if err != nil {
				return nil, fmt.Errorf("transfer item %s: %w", item.ID, err)
			}

			done++
			bytes += item.SizeBytes
			percent := scanPhaseShare + int((100-scanPhaseShare)*done/total)
			r.progress(percent, models.Counters{
				"itemsTotal": total,
				"itemsDone":  done,
				"bytesDone":  bytes,
			}, "transferring")

			if err := r.checkpoint(); err != nil {
				return nil, err
			}
		}

		return models.Variables{
			"itemsMoved":     total,
			"bytesMoved":     bytes,
			"targetDeviceId": targetID.String(),
		}, nil
	})

	return r, nil
}
