// Package detection applies a trained classifier chip-by-chip, vectorizes
// positive pixels into polygons, re-assembles chip results into the parent
// extent and produces the cloud-corrected truck count time series.
package detection

import (
	"encoding/gob"
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/datasciencecampus/detecting-trucks/features"
)

// ErrClassifierContract is returned when a model artifact does not match
// the feature schema the pipeline produces.
var ErrClassifierContract = errors.New("classifier artifact does not match feature contract")

// Classifier is the capability interface of the externally trained model:
// scale a feature matrix, then predict a 0/1 truck label per row. Any
// concrete model can be substituted without touching the feature or
// aggregation core.
type Classifier interface {
	Transform(m *mat.Dense) (*mat.Dense, error)
	Predict(m *mat.Dense) ([]int, error)
}

// ProbabilityPredictor is implemented by classifiers that can also report a
// per-row truck probability; the aggregator uses it for the mean
// probability diagnostic when available.
type ProbabilityPredictor interface {
	PredictProba(m *mat.Dense) ([]float64, error)
}

// Artifact is the persisted form of a trained model: the feature scaling
// transform fitted during training plus the model parameters, tagged with
// the feature columns it was trained on.
type Artifact struct {
	Columns     []string
	ScalerMean  []float64
	ScalerScale []float64
	Weights     []float64
	Bias        float64
	// Threshold is the probability cut for the positive class; zero means
	// the conventional 0.5.
	Threshold float64
}

// Save persists the artifact with gob.
func (a *Artifact) Save(fn string) error {
	if err := a.validate(); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(a); err != nil {
		return err
	}
	return f.Sync()
}

// LoadArtifact reads an artifact written by Save and checks its internal
// consistency.
func LoadArtifact(fn string) (*Artifact, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var a Artifact
	if err := gob.NewDecoder(f).Decode(&a); err != nil {
		return nil, errors.Wrapf(ErrClassifierContract, "decoding %s: %v", fn, err)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	n := len(a.Weights)
	if n == 0 {
		return errors.Wrap(ErrClassifierContract, "artifact has no weights")
	}
	if len(a.ScalerMean) != n || len(a.ScalerScale) != n {
		return errors.Wrapf(ErrClassifierContract,
			"scaler dimensions %d/%d do not match %d weights",
			len(a.ScalerMean), len(a.ScalerScale), n)
	}
	if a.Columns != nil && len(a.Columns) != n {
		return errors.Wrapf(ErrClassifierContract,
			"%d columns for %d weights", len(a.Columns), n)
	}
	return nil
}

// CheckSchema fails when the artifact was trained on a different feature
// schema than the pipeline produces.
func (a *Artifact) CheckSchema() error {
	want := features.Columns()
	if len(a.Weights) != len(want) {
		return errors.Wrapf(ErrClassifierContract,
			"artifact expects %d features, pipeline produces %d", len(a.Weights), len(want))
	}
	if a.Columns == nil {
		return nil
	}
	for i := range want {
		if a.Columns[i] != want[i] {
			return errors.Wrapf(ErrClassifierContract,
				"artifact column %d is %q, pipeline produces %q", i, a.Columns[i], want[i])
		}
	}
	return nil
}

// Classifier builds the runnable model from the artifact.
func (a *Artifact) Classifier() (Classifier, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	threshold := a.Threshold
	if threshold == 0 {
		threshold = 0.5
	}
	return &linearModel{artifact: *a, threshold: threshold}, nil
}

// linearModel is a logistic model over standard-scaled features. It stands
// in for whatever the external training collaborator produced; the
// aggregator only sees the Classifier interface.
type linearModel struct {
	artifact  Artifact
	threshold float64
}

func (l *linearModel) dims(m *mat.Dense) (int, int, error) {
	rows, cols := m.Dims()
	if cols != len(l.artifact.Weights) {
		return 0, 0, errors.Wrapf(ErrClassifierContract,
			"matrix has %d feature columns, model expects %d", cols, len(l.artifact.Weights))
	}
	return rows, cols, nil
}

// Transform applies the fitted standard scaling column-wise.
func (l *linearModel) Transform(m *mat.Dense) (*mat.Dense, error) {
	rows, cols, err := l.dims(m)
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		scale := l.artifact.ScalerScale[j]
		if scale == 0 {
			scale = 1
		}
		for i := 0; i < rows; i++ {
			out.Set(i, j, (m.At(i, j)-l.artifact.ScalerMean[j])/scale)
		}
	}
	return out, nil
}

// PredictProba returns the positive-class probability per row. The input
// must already be transformed.
func (l *linearModel) PredictProba(m *mat.Dense) ([]float64, error) {
	rows, cols, err := l.dims(m)
	if err != nil {
		return nil, err
	}
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		z := l.artifact.Bias
		for j := 0; j < cols; j++ {
			z += l.artifact.Weights[j] * m.At(i, j)
		}
		out[i] = 1 / (1 + math.Exp(-z))
	}
	return out, nil
}

// Predict returns the 0/1 label per row.
func (l *linearModel) Predict(m *mat.Dense) ([]int, error) {
	proba, err := l.PredictProba(m)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(proba))
	for i, p := range proba {
		if p > l.threshold {
			out[i] = 1
		}
	}
	return out, nil
}
