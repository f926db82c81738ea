package boost

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepData() ([][]float64, []float64) {
	X := make([][]float64, 100)
	y := make([]float64, 100)
	for i := range X {
		X[i] = []float64{float64(i), 7}
		if i >= 50 {
			y[i] = 1
		}
	}
	return X, y
}

func TestFitStep(t *testing.T) {
	t.Parallel()

	X, y := stepData()
	e, err := Fit(X, y, []string{"x", "constant"}, Params{
		NEstimators:    40,
		LearningRate:   0.5,
		MaxDepth:       1,
		MinSamplesLeaf: 5,
	})
	require.NoError(t, err)
	require.Len(t, e.Trees, 40)

	assert.InDelta(t, 0, e.Predict([]float64{10, 7}), 1e-6)
	assert.InDelta(t, 1, e.Predict([]float64{90, 7}), 1e-6)
	assert.Equal(t, 49.5, e.Trees[0].Nodes[0].Threshold)

	imp := e.FeatureImportance()
	assert.InDelta(t, 1.0, imp["x"], 1e-12)
	assert.Equal(t, 0.0, imp["constant"])
}

func TestFitTiesPreferLowerFeature(t *testing.T) {
	t.Parallel()

	X, y := stepData()
	for i := range X {
		X[i] = []float64{X[i][0], X[i][0]}
	}
	e, err := Fit(X, y, []string{"a", "b"}, DefaultParams())
	require.NoError(t, err)
	for _, tree := range e.Trees {
		for _, n := range tree.Nodes {
			if !n.leaf() {
				assert.Equal(t, 0, n.Feature)
			}
		}
	}
}

func TestFitDeterministic(t *testing.T) {
	t.Parallel()

	X := make([][]float64, 60)
	y := make([]float64, 60)
	for i := range X {
		g := float64(i%12) - 5
		X[i] = []float64{g, float64(i) / 10, float64(i % 7)}
		y[i] = 1 + 0.02*g + 0.001*float64(i%7)
	}
	names := []string{"grade", "distance", "noise"}
	a, err := Fit(X, y, names, DefaultParams())
	require.NoError(t, err)
	b, err := Fit(X, y, names, DefaultParams())
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("refit differs (-a +b):\n%s", diff)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	X, y := stepData()
	for i := range y {
		y[i] += 0.001 * float64(i%3)
	}
	e, err := Fit(X, y, []string{"x", "constant"}, DefaultParams())
	require.NoError(t, err)

	data, err := e.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	for _, row := range X {
		assert.Equal(t, e.Predict(row), got.Predict(row))
	}
}

func TestFitRejects(t *testing.T) {
	t.Parallel()

	X, _ := stepData()
	constant := make([]float64, len(X))
	_, err := Fit(X, constant, []string{"x", "constant"}, DefaultParams())
	assert.True(t, errors.Is(err, ErrDegenerate))

	_, err = Fit(X[:8], constant[:8], []string{"x", "constant"}, DefaultParams())
	assert.Error(t, err)

	_, err = Fit(X, constant, []string{"x"}, DefaultParams())
	assert.Error(t, err)

	_, err = Fit(X, constant, []string{"x", "constant"}, Params{NEstimators: 0, LearningRate: 0.1, MaxDepth: 1, MinSamplesLeaf: 1})
	assert.Error(t, err)
}

func TestUnmarshalRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"wrong format", `{"format":"xgboost","format_version":1}`},
		{"bad params", `{"format":"pace-gbrt","format_version":1,"params":{"n_estimators":0}}`},
		{"cycle", `{"format":"pace-gbrt","format_version":1,"feature_names":["x"],
			"params":{"n_estimators":1,"learning_rate":0.1,"max_depth":1,"min_samples_leaf":1},
			"trees":[{"nodes":[{"feature":0,"threshold":1,"left":0,"right":0}]}]}`},
		{"unknown feature", `{"format":"pace-gbrt","format_version":1,"feature_names":["x"],
			"params":{"n_estimators":1,"learning_rate":0.1,"max_depth":1,"min_samples_leaf":1},
			"trees":[{"nodes":[{"feature":3,"threshold":1,"left":1,"right":2},
			{"left":-1,"right":-1},{"left":-1,"right":-1}]}]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Unmarshal([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
