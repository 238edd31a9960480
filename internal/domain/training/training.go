// Package training fits logistic regression artifacts offline and reports how
// well they separate and calibrate.
package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/predictor"
)

// Errors returned by the trainer.
var (
	ErrEmptyDataset = errors.New("dataset is empty")
	ErrSingleClass  = errors.New("dataset has a single class")
)

// Dataset is a labelled design matrix. Rows of X follow Names.
type Dataset struct {
	Names []string
	X     [][]float64
	Y     []float64 // 0 or 1
}

// Len returns the number of rows.
func (d Dataset) Len() int { return len(d.Y) }

// Add appends one row.
func (d *Dataset) Add(x []float64, label bool) {
	y := 0.0
	if label {
		y = 1
	}
	d.X = append(d.X, x)
	d.Y = append(d.Y, y)
}

// BaseRate is the fraction of positive labels.
func (d Dataset) BaseRate() float64 {
	if len(d.Y) == 0 {
		return 0
	}
	var pos float64
	for _, y := range d.Y {
		pos += y
	}
	return pos / float64(len(d.Y))
}

// Split shuffles deterministically by seed and holds out testFraction rows.
func (d Dataset) Split(testFraction float64, seed uint64) (train, test Dataset) {
	idx := make([]int, d.Len())
	for i := range idx {
		idx[i] = i
	}
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec // reproducible split
	r.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	cut := int(math.Round(float64(len(idx)) * (1 - min(max(testFraction, 0), 1))))
	train = Dataset{Names: d.Names}
	test = Dataset{Names: d.Names}
	for n, i := range idx {
		if n < cut {
			train.X, train.Y = append(train.X, d.X[i]), append(train.Y, d.Y[i])
		} else {
			test.X, test.Y = append(test.X, d.X[i]), append(test.Y, d.Y[i])
		}
	}
	return train, test
}

// Options tune the fit. Standardize and L2 are the calibration knobs.
type Options struct {
	Version      string
	Epochs       int
	LearningRate float64
	L2           float64
	Standardize  bool
	// ClassWeight scales the loss of positive rows; 0 or 1 means unweighted.
	ClassWeight float64
	Now         func() time.Time
}

// DefaultOptions returns conservative settings.
func DefaultOptions() Options {
	return Options{Epochs: 500, LearningRate: 0.1, L2: 0.01, Standardize: true, ClassWeight: 1}
}

// Train fits a logistic regression with full-batch gradient descent.
func Train(ds Dataset, opts Options) (*predictor.Artifact, error) {
	if ds.Len() == 0 || len(ds.Names) == 0 {
		return nil, ErrEmptyDataset
	}
	if br := ds.BaseRate(); br == 0 || br == 1 {
		return nil, ErrSingleClass
	}
	if opts.Epochs <= 0 {
		opts.Epochs = DefaultOptions().Epochs
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = DefaultOptions().LearningRate
	}
	if opts.L2 < 0 {
		return nil, fmt.Errorf("%w: l2 must be non-negative", model.ErrValidation)
	}
	if opts.ClassWeight <= 0 {
		opts.ClassWeight = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	for i, row := range ds.X {
		if len(row) != len(ds.Names) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d names", model.ErrValidation, i, len(row), len(ds.Names))
		}
	}

	k := len(ds.Names)
	var means, scales []float64
	if opts.Standardize {
		means, scales = moments(ds.X, k)
	}
	x := transform(ds.X, means, scales)

	w := make([]float64, k)
	b := math.Log(ds.BaseRate() / (1 - ds.BaseRate()))
	grad := make([]float64, k)
	n := float64(ds.Len())
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		clear(grad)
		var gb, totalWeight float64
		for i, row := range x {
			z := b
			for j, v := range row {
				z += w[j] * v
			}
			weight := 1.0
			if ds.Y[i] == 1 {
				weight = opts.ClassWeight
			}
			diff := weight * (predictor.Sigmoid(z) - ds.Y[i])
			for j, v := range row {
				grad[j] += diff * v
			}
			gb += diff
			totalWeight += weight
		}
		for j := range w {
			w[j] -= opts.LearningRate * (grad[j]/totalWeight + opts.L2*w[j])
		}
		b -= opts.LearningRate * gb / totalWeight
	}

	art := &predictor.Artifact{
		Version:      opts.Version,
		Kind:         predictor.KindLogisticRegression,
		FeatureNames: append([]string(nil), ds.Names...),
		TrainedAt:    opts.Now().UTC(),
		Weights:      w,
		Intercept:    b,
		Means:        means,
		Scales:       scales,
		Metrics: map[string]float64{
			"l2":           opts.L2,
			"epochs":       float64(opts.Epochs),
			"standardize":  boolFloat(opts.Standardize),
			"class_weight": opts.ClassWeight,
			"train_rows":   n,
		},
	}
	if art.Version == "" {
		art.Version = art.TrainedAt.Format("20060102T150405Z")
	}
	return art, art.Validate()
}

func moments(x [][]float64, k int) (means, scales []float64) {
	means = make([]float64, k)
	scales = make([]float64, k)
	n := float64(len(x))
	for _, row := range x {
		for j, v := range row {
			means[j] += v / n
		}
	}
	for _, row := range x {
		for j, v := range row {
			d := v - means[j]
			scales[j] += d * d / n
		}
	}
	for j := range scales {
		scales[j] = math.Sqrt(scales[j])
		if scales[j] < 1e-12 {
			scales[j] = 1
		}
	}
	return means, scales
}

func transform(x [][]float64, means, scales []float64) [][]float64 {
	if len(means) == 0 {
		return x
	}
	out := make([][]float64, len(x))
	for i, row := range x {
		r := make([]float64, len(row))
		for j, v := range row {
			r[j] = (v - means[j]) / scales[j]
		}
		out[i] = r
	}
	return out
}

// Metrics summarises an evaluation. MeanPredicted against BaseRate is the
// calibration check: a large gap means the model is miscalibrated.
type Metrics struct {
	Rows          int     `json:"rows"`
	Accuracy      float64 `json:"accuracy"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	F1            float64 `json:"f1"`
	AUC           float64 `json:"roc_auc"`
	LogLoss       float64 `json:"log_loss"`
	MeanPredicted float64 `json:"mean_predicted"`
	BaseRate      float64 `json:"base_rate"`
}

// CalibrationGap is |mean predicted - base rate|.
func (m Metrics) CalibrationGap() float64 { return math.Abs(m.MeanPredicted - m.BaseRate) }

// Map flattens the metrics for storage on an artifact.
func (m Metrics) Map(prefix string) map[string]float64 {
	return map[string]float64{
		prefix + "accuracy":       m.Accuracy,
		prefix + "precision":      m.Precision,
		prefix + "recall":         m.Recall,
		prefix + "f1":             m.F1,
		prefix + "roc_auc":        m.AUC,
		prefix + "log_loss":       m.LogLoss,
		prefix + "mean_predicted": m.MeanPredicted,
		prefix + "base_rate":      m.BaseRate,
	}
}

// Evaluate scores ds with art at the 0.5 decision threshold.
func Evaluate(art *predictor.Artifact, ds Dataset) (Metrics, error) {
	if ds.Len() == 0 {
		return Metrics{}, ErrEmptyDataset
	}
	probs := make([]float64, ds.Len())
	var tp, fp, tn, fn int
	var loss, sum float64
	const eps = 1e-15
	for i, row := range ds.X {
		p, err := art.Probability(row)
		if err != nil {
			return Metrics{}, err
		}
		probs[i] = p
		sum += p
		pc := min(max(p, eps), 1-eps)
		loss -= ds.Y[i]*math.Log(pc) + (1-ds.Y[i])*math.Log(1-pc)
		pred := p >= 0.5
		switch {
		case pred && ds.Y[i] == 1:
			tp++
		case pred:
			fp++
		case ds.Y[i] == 1:
			fn++
		default:
			tn++
		}
	}
	n := float64(ds.Len())
	m := Metrics{
		Rows:          ds.Len(),
		Accuracy:      float64(tp+tn) / n,
		Precision:     ratio(tp, tp+fp),
		Recall:        ratio(tp, tp+fn),
		LogLoss:       loss / n,
		MeanPredicted: sum / n,
		BaseRate:      ds.BaseRate(),
		AUC:           auc(probs, ds.Y),
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m, nil
}

// auc is the Mann-Whitney statistic with tied scores sharing their mean rank.
func auc(scores, labels []float64) float64 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, len(scores))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && scores[idx[j+1]] == scores[idx[i]] {
			j++
		}
		r := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = r
		}
		i = j + 1
	}
	var pos, neg, sum float64
	for i, y := range labels {
		if y == 1 {
			pos++
			sum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}
	return (sum - pos*(pos+1)/2) / (pos * neg)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
