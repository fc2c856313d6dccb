package worker

import (
	"fmt"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// stepsPerPhase is how many adapter steps each phase expands into
const stepsPerPhase = 4

// phasePlans describes the phases each advanced operation walks through.
// The technique inside a step is opaque to the engine; only the
// progress/terminal contract matters here.
var phasePlans = map[models.SessionKind][]string{
	models.KindScreenUnlock: {"analyzing_device", "preparing_unlock_package", "removing_screen_lock", "verifying"},
	models.KindSystemRepair: {"detecting_issue", "downloading_firmware", "repairing_system", "rebooting"},
	models.KindDataEraser:   {"preparing", "erasing", "verifying"},
	models.KindFRPBypass:    {"analyzing_device", "preparing_exploit", "removing_frp_lock", "finalizing"},
	models.KindICloudBypass: {"analyzing_device", "checking_activation", "bypassing_activation_lock", "finalizing"},
}

// PhasedWorker runs an advanced operation as a fixed sequence of adapter
// steps grouped into phases. The eraser repeats its erasing phase once per
// configured pass.
type PhasedWorker struct {
	kind    models.SessionKind
	adapter Adapter
}

// NewPhasedWorker creates a phased worker for the given kind
func NewPhasedWorker(kind models.SessionKind, adapter Adapter) *PhasedWorker {
	return &PhasedWorker{kind: kind, adapter: adapter}
}

// Kind implements Worker
func (w *PhasedWorker) Kind() models.SessionKind { return w.kind }

// Start implements Worker
func (w *PhasedWorker) Start(session *models.Session, rep Reporter) (Handle, error) {
	phases, ok := phasePlans[w.kind]
	if !ok {
		return nil, fmt.Errorf("no phase plan for kind %q", w.kind)
	}

	passTotal := int64(1)
	if w.kind == models.KindDataEraser {
		passTotal = intOption(session.Options, "passes", 3)
		if passTotal < 1 {
			passTotal = 1
		}
	}

	steps := buildSteps(w.kind, phases, passTotal)

	r := newRun(session.ID, rep)
	deviceID := session.DeviceID

	r.execute(w.kind, func() (models.Variables, error) {
		total := int64(len(steps))
		var passDone int64

		for i, step := range steps {
			step := step
			err := retryTransient(r.ctx, maxAdapterAttempts, func() error {
				return w.adapter.Exec(r.ctx, deviceID, step)
			})
			if err != nil {
				return nil, fmt.Errorf("step %d (%s): %w", i, step.Phase, err)
			}

			done := int64(i + 1)
			counters := models.Counters{
				"stepsTotal": total,
				"stepsDone":  done,
			}
			if w.kind == models.KindDataEraser {
				if step.Phase == "erasing" && (i+1)%stepsPerPhase == 0 {
					passDone++
				}
				counters["passTotal"] = passTotal
				counters["passDone"] = passDone
			}

			r.progress(int(100*done/total), counters, step.Phase)

			if err := r.checkpoint(); err != nil {
				return nil, err
			}
		}

		result := models.Variables{"stepsCompleted": total}
		if w.kind == models.KindDataEraser {
			result["passes"] = passTotal
		}
		return result, nil
	})

	return r, nil
}

func buildSteps(kind models.SessionKind, phases []string, passes int64) []Step {
	var steps []Step
	for _, phase := range phases {
		repeat := int64(1)
		if kind == models.KindDataEraser && phase == "erasing" {
			repeat = passes
		}
		for p := int64(0); p < repeat; p++ {
			for i := 0; i < stepsPerPhase; i++ {
				steps = append(steps, Step{Kind: kind, Phase: phase, Index: len(steps)})
			}
		}
	}
	for i := range steps {
		steps[i].Total = len(steps)
	}
	return steps
}

// stringOption reads a string option with a default
func stringOption(options models.Variables, key, fallback string) string {
	if options == nil {
		return fallback
	}
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// intOption reads a numeric option with a default. JSON decoding yields
// float64 for numbers, so both forms are accepted.
func intOption(options models.Variables, key string, fallback int64) int64 {
	if options == nil {
		return fallback
	}
	switch v := options[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return fallback
}
