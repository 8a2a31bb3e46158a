package ui

import (
	bubblesprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"

	"dropcrate/internal/events"
	"dropcrate/internal/model"
)

type itemState struct {
	id     string
	url    string
	stage  events.Stage
	status string

	done    bool
	errKind model.ErrorKind
	errMsg  string
	hint    string

	audioPath string
	videoPath string

	spinner spinner.Model
	bar     bubblesprogress.Model
}

func newItemState(id, url string, styles Styles) itemState {
	sp := spinner.New()
	sp.Style = styles.Spinner
	bar := bubblesprogress.New(
		bubblesprogress.WithDefaultGradient(),
		bubblesprogress.WithWidth(40),
	)
	return itemState{
		id:      id,
		url:     url,
		status:  "Queued",
		spinner: sp,
		bar:     bar,
	}
}

// stageFraction maps pipeline stages onto the progress bar. Stages are
// coarse, so the bar moves in steps rather than percentages.
var stageFraction = map[events.Stage]float64{
	events.StageMetadata:    0.10,
	events.StageClassify:    0.20,
	events.StageDownload:    0.45,
	events.StageFingerprint: 0.60,
	events.StageNormalize:   0.75,
	events.StageTranscode:   0.75,
	events.StageTag:         0.90,
	events.StageFinalize:    0.95,
}

func (it *itemState) fraction() float64 {
	if it.done {
		return 1.0
	}
	if f, ok := stageFraction[it.stage]; ok {
		return f
	}
	return 0
}

func (it *itemState) failed() bool {
	return it.done && it.errKind != ""
}
